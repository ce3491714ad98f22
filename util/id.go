package util

import (
	"github.com/pkg/errors"
	"github.com/satori/go.uuid"
)

type ID struct {
	uuid.UUID
}

var NilID = ID{uuid.Nil}

func NewFromUUID(u uuid.UUID) ID {
	return ID{UUID: u}
}

// IDFromString parses a textual uuid.
func IDFromString(s string) (ID, error) {
	u, err := uuid.FromString(s)
	if err != nil {
		return NilID, errors.Wrapf(err, "invalid id %q", s)
	}
	return ID{UUID: u}, nil
}

func (id ID) IsNil() bool {
	return uuid.Equal(id.UUID, uuid.Nil)
}

type IDs []ID

func (p IDs) Len() int           { return len(p) }
func (p IDs) Less(i, j int) bool { return p[i].String() < p[j].String() }
func (p IDs) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
