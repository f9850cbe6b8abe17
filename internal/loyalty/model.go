package loyalty

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
)

const (
	maxIdentityLength  = 190
	defaultDisplayName = "Invitée Privilège"

	fieldUID          = "uid"
	fieldName         = "name"
	fieldPoints       = "points"
	fieldReferralPool = "cagnotteAmbassadrice"
	fieldTier         = "tier"
	fieldIsAdmin      = "isAdmin"
	fieldMemberSince  = "memberSince"
)

// ErrInvalidIdentity indicates that an identity is empty, too long, or not usable as a key segment.
var ErrInvalidIdentity = errors.New("loyalty: invalid identity")

// Identity is the opaque subject id issued by the identity provider.
type Identity string

// NewIdentity validates raw input and returns an Identity.
func NewIdentity(rawInput string) (Identity, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(trimmed) > maxIdentityLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentity, maxIdentityLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains '/'", ErrInvalidIdentity)
	}
	return Identity(trimmed), nil
}

// String returns the underlying identifier.
func (id Identity) String() string {
	return string(id)
}

// Tier is the membership rank. Values outside the known set are kept verbatim.
type Tier string

const (
	TierSilver   Tier = "Silver"
	TierGold     Tier = "Gold"
	TierPlatinum Tier = "Platinum"
)

// PrivateProfile is the authoritative per-identity record.
type PrivateProfile struct {
	Identity     Identity  `json:"identity"`
	DisplayName  string    `json:"display_name"`
	Points       int64     `json:"points"`
	ReferralPool int64     `json:"referral_pool"`
	Tier         Tier      `json:"tier"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// PublicSummary is the listable projection of a PrivateProfile.
type PublicSummary struct {
	Identity    Identity `json:"identity"`
	DisplayName string   `json:"display_name"`
	Points      int64    `json:"points"`
	Tier        Tier     `json:"tier"`
}

// DefaultProfile is the record synthesized for an identity seen for the first time.
func DefaultProfile(identity Identity, now time.Time) PrivateProfile {
	return PrivateProfile{
		Identity:     identity,
		DisplayName:  defaultDisplayName,
		Points:       0,
		ReferralPool: 0,
		Tier:         TierSilver,
		IsAdmin:      false,
		CreatedAt:    now.UTC(),
	}
}

// Summary projects the public fields.
func (p PrivateProfile) Summary() PublicSummary {
	return PublicSummary{
		Identity:    p.Identity,
		DisplayName: p.DisplayName,
		Points:      p.Points,
		Tier:        p.Tier,
	}
}

func (p PrivateProfile) fields() docstore.Fields {
	return docstore.Fields{
		fieldUID:          p.Identity.String(),
		fieldName:         p.DisplayName,
		fieldPoints:       p.Points,
		fieldReferralPool: p.ReferralPool,
		fieldTier:         string(p.Tier),
		fieldIsAdmin:      p.IsAdmin,
		fieldMemberSince:  p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s PublicSummary) fields() docstore.Fields {
	return docstore.Fields{
		fieldUID:    s.Identity.String(),
		fieldName:   s.DisplayName,
		fieldPoints: s.Points,
		fieldTier:   string(s.Tier),
	}
}

// profileFromFields decodes a stored profile. The key identity wins over the stored uid;
// absent numeric fields read as zero.
func profileFromFields(identity Identity, fields docstore.Fields) PrivateProfile {
	profile := PrivateProfile{Identity: identity}
	profile.DisplayName, _ = fields.String(fieldName)
	profile.Points, _ = fields.Int64(fieldPoints)
	profile.ReferralPool, _ = fields.Int64(fieldReferralPool)
	if tier, ok := fields.String(fieldTier); ok {
		profile.Tier = Tier(tier)
	}
	profile.IsAdmin, _ = fields.Bool(fieldIsAdmin)
	profile.CreatedAt, _ = fields.Time(fieldMemberSince)
	return profile
}

func summaryFromFields(identity Identity, fields docstore.Fields) PublicSummary {
	summary := PublicSummary{Identity: identity}
	if uid, ok := fields.String(fieldUID); ok && identity == "" {
		summary.Identity = Identity(uid)
	}
	summary.DisplayName, _ = fields.String(fieldName)
	summary.Points, _ = fields.Int64(fieldPoints)
	if tier, ok := fields.String(fieldTier); ok {
		summary.Tier = Tier(tier)
	}
	return summary
}
