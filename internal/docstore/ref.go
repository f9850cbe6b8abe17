package docstore

import (
	"errors"
	"fmt"
	"strings"
)

const (
	pathSeparator = "/"
	maxPathLength = 512
)

// ErrInvalidPath indicates a malformed collection or document path.
var ErrInvalidPath = errors.New("docstore: invalid path")

// CollectionRef addresses a collection. Collections have an odd number of path segments.
type CollectionRef struct {
	path string
}

// DocumentRef addresses a single document. Documents have an even number of path segments.
type DocumentRef struct {
	path string
}

// Collection validates the segments and returns a CollectionRef.
func Collection(segments ...string) (CollectionRef, error) {
	path, err := joinSegments(segments)
	if err != nil {
		return CollectionRef{}, err
	}
	if len(segments)%2 != 1 {
		return CollectionRef{}, fmt.Errorf("%w: collection %q needs an odd segment count", ErrInvalidPath, path)
	}
	return CollectionRef{path: path}, nil
}

// Doc validates the segments and returns a DocumentRef.
func Doc(segments ...string) (DocumentRef, error) {
	path, err := joinSegments(segments)
	if err != nil {
		return DocumentRef{}, err
	}
	if len(segments)%2 != 0 {
		return DocumentRef{}, fmt.Errorf("%w: document %q needs an even segment count", ErrInvalidPath, path)
	}
	return DocumentRef{path: path}, nil
}

// ParseDocumentPath parses a slash separated document path.
func ParseDocumentPath(path string) (DocumentRef, error) {
	return Doc(strings.Split(path, pathSeparator)...)
}

// Doc returns the document with the given id inside the collection.
func (c CollectionRef) Doc(id string) (DocumentRef, error) {
	if c.path == "" {
		return DocumentRef{}, fmt.Errorf("%w: empty collection", ErrInvalidPath)
	}
	segments := append(strings.Split(c.path, pathSeparator), id)
	return Doc(segments...)
}

// Path returns the slash separated collection path.
func (c CollectionRef) Path() string {
	return c.path
}

// IsZero reports whether the ref was never initialized.
func (c CollectionRef) IsZero() bool {
	return c.path == ""
}

// Path returns the slash separated document path.
func (r DocumentRef) Path() string {
	return r.path
}

// ID returns the final path segment.
func (r DocumentRef) ID() string {
	index := strings.LastIndex(r.path, pathSeparator)
	return r.path[index+1:]
}

// Parent returns the collection holding the document.
func (r DocumentRef) Parent() CollectionRef {
	index := strings.LastIndex(r.path, pathSeparator)
	if index < 0 {
		return CollectionRef{}
	}
	return CollectionRef{path: r.path[:index]}
}

// IsZero reports whether the ref was never initialized.
func (r DocumentRef) IsZero() bool {
	return r.path == ""
}

func (r DocumentRef) String() string {
	return r.path
}

func (c CollectionRef) String() string {
	return c.path
}

func joinSegments(segments []string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: no segments", ErrInvalidPath)
	}
	for index, segment := range segments {
		if strings.TrimSpace(segment) == "" {
			return "", fmt.Errorf("%w: segment %d is empty", ErrInvalidPath, index)
		}
		if strings.Contains(segment, pathSeparator) {
			return "", fmt.Errorf("%w: segment %q contains %q", ErrInvalidPath, segment, pathSeparator)
		}
	}
	path := strings.Join(segments, pathSeparator)
	if len(path) > maxPathLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPath, maxPathLength)
	}
	return path, nil
}
