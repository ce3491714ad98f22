package common

import (
	uuid "github.com/satori/go.uuid"
	"github.com/viktorenciso/EventCentric/util"
)

type UIDGenerator interface {
	// UUID generates a new uuid, s is used only for tests to generate
	// reproducible UUIDs
	UUID(string) util.ID
}

type DefaultUidGenerator struct{}

func (u *DefaultUidGenerator) UUID(s string) util.ID {
	return util.NewFromUUID(uuid.NewV4())
}

// SequentialUidGenerator generates time based (version 1) uuids. They sort
// roughly by creation time and keep index locality on the event tables.
type SequentialUidGenerator struct{}

func (u *SequentialUidGenerator) UUID(s string) util.ID {
	return util.NewFromUUID(uuid.NewV1())
}
