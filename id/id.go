// Package id provides unique identifier generation for bus envelopes and
// outbox messages.
package id

import (
	"github.com/google/uuid"
	"github.com/nats-io/nuid"
)

var (
	UUID ID = &uuidGen{}
	NUID ID = &nuidGen{}
)

// ID is an interface for generating unique random identifiers.
type ID interface {
	New() string
}

type uuidGen struct{}

func (i *uuidGen) New() string {
	return uuid.New().String()
}

// nuidGen generates NUIDs, which sort roughly by creation time and are
// cheaper than UUIDs.
type nuidGen struct{}

func (i *nuidGen) New() string {
	return nuid.Next()
}
