package loyalty

import (
	"strings"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
)

const (
	segmentArtifacts = "artifacts"
	segmentUsers     = "users"
	segmentProfile   = "profile"
	segmentData      = "data"
	segmentPublic    = "public"
	segmentClients   = "all_clients"
)

// Layout maps identities to document keys under an application namespace:
//
//	artifacts/{namespace}/users/{identity}/profile/data       private profile
//	artifacts/{namespace}/public/data/all_clients/{identity}  public summary
type Layout struct {
	namespace string
	users     docstore.CollectionRef
	summaries docstore.CollectionRef
}

// NewLayout validates the namespace and returns a Layout.
func NewLayout(namespace string) (Layout, error) {
	summaries, err := docstore.Collection(segmentArtifacts, namespace, segmentPublic, segmentData, segmentClients)
	if err != nil {
		return Layout{}, err
	}
	users, err := docstore.Collection(segmentArtifacts, namespace, segmentUsers)
	if err != nil {
		return Layout{}, err
	}
	return Layout{namespace: namespace, users: users, summaries: summaries}, nil
}

// Namespace returns the application namespace.
func (l Layout) Namespace() string {
	return l.namespace
}

// ProfileRef addresses the private profile of identity.
func (l Layout) ProfileRef(identity Identity) (docstore.DocumentRef, error) {
	return docstore.Doc(segmentArtifacts, l.namespace, segmentUsers, identity.String(), segmentProfile, segmentData)
}

// SummaryRef addresses the public summary of identity.
func (l Layout) SummaryRef(identity Identity) (docstore.DocumentRef, error) {
	return l.summaries.Doc(identity.String())
}

// SummaryCollection addresses the collection of every public summary.
func (l Layout) SummaryCollection() docstore.CollectionRef {
	return l.summaries
}

// UsersCollection addresses the root holding every private profile.
func (l Layout) UsersCollection() docstore.CollectionRef {
	return l.users
}

// IdentityOfProfile reports the identity owning ref when ref is a private profile key of this layout.
func (l Layout) IdentityOfProfile(ref docstore.DocumentRef) (Identity, bool) {
	rest, found := strings.CutPrefix(ref.Path(), l.users.Path()+"/")
	if !found {
		return "", false
	}
	segments := strings.Split(rest, "/")
	if len(segments) != 3 || segments[1] != segmentProfile || segments[2] != segmentData {
		return "", false
	}
	identity, err := NewIdentity(segments[0])
	if err != nil {
		return "", false
	}
	return identity, true
}
