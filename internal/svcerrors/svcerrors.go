// Package svcerrors defines the error kinds surfaced by a shardq node.
//
// Every kind implements ErrorName and StatusCode, so the HTTP layer can map
// any error to a response without knowing the concrete type.
package svcerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusClientClosedRequest is the nginx convention for a request whose client went away.
const StatusClientClosedRequest = 499

type withStatusCode interface {
	StatusCode() int
}

type withErrorName interface {
	ErrorName() string
}

// ConfigError reports a malformed or inconsistent static configuration.
// It is fatal at startup.
type ConfigError struct {
	err error
}

func NewConfigError(err error) ConfigError {
	return ConfigError{err: err}
}

func NewConfigErrorf(format string, a ...any) ConfigError {
	return ConfigError{err: fmt.Errorf(format, a...)}
}

func (ConfigError) ErrorName() string {
	return "configError"
}

func (ConfigError) StatusCode() int {
	return http.StatusInternalServerError
}

func (e ConfigError) Unwrap() error {
	return e.err
}

func (e ConfigError) Error() string {
	return "invalid configuration: " + e.err.Error()
}

// RoutingError means no live replica set serves the key.
type RoutingError struct {
	Key    string
	Bucket int
}

func NewRoutingError(key string, bucket int) RoutingError {
	return RoutingError{Key: key, Bucket: bucket}
}

func (RoutingError) ErrorName() string {
	return "noLiveShard"
}

func (RoutingError) StatusCode() int {
	return http.StatusServiceUnavailable
}

func (e RoutingError) Error() string {
	return fmt.Sprintf(`no live shard for key "%s" (bucket %d)`, e.Key, e.Bucket)
}

// ReplicaUnreachableError wraps a transport failure towards one replica.
type ReplicaUnreachableError struct {
	NodeID string
	err    error
}

func NewReplicaUnreachableError(nodeID string, err error) ReplicaUnreachableError {
	return ReplicaUnreachableError{NodeID: nodeID, err: err}
}

func (ReplicaUnreachableError) ErrorName() string {
	return "replicaUnreachable"
}

func (ReplicaUnreachableError) StatusCode() int {
	return http.StatusBadGateway
}

func (e ReplicaUnreachableError) Unwrap() error {
	return e.err
}

func (e ReplicaUnreachableError) Error() string {
	return fmt.Sprintf(`replica "%s" unreachable: %s`, e.NodeID, e.err)
}

// ExhaustedError is returned when an auto-increment stripe has no ids left.
// The node must be reconfigured, it is never retried.
type ExhaustedError struct {
	Space  string
	Stripe int64
}

func NewExhaustedError(space string, stripe int64) ExhaustedError {
	return ExhaustedError{Space: space, Stripe: stripe}
}

func (ExhaustedError) ErrorName() string {
	return "autoIncrementExhausted"
}

func (ExhaustedError) StatusCode() int {
	return http.StatusInternalServerError
}

func (e ExhaustedError) Error() string {
	return fmt.Sprintf(`auto-increment stripe %d of space "%s" is exhausted`, e.Stripe, e.Space)
}

type BadRequestError struct {
	err error
}

func NewBadRequestError(err error) BadRequestError {
	return BadRequestError{err: err}
}

func (BadRequestError) ErrorName() string {
	return "badRequest"
}

func (BadRequestError) StatusCode() int {
	return http.StatusBadRequest
}

func (e BadRequestError) Unwrap() error {
	return e.err
}

func (e BadRequestError) Error() string {
	return e.err.Error()
}

type ConflictError struct {
	err error
}

func NewConflictError(err error) ConflictError {
	return ConflictError{err: err}
}

func (ConflictError) ErrorName() string {
	return "conflict"
}

func (ConflictError) StatusCode() int {
	return http.StatusConflict
}

func (e ConflictError) Unwrap() error {
	return e.err
}

func (e ConflictError) Error() string {
	return e.err.Error()
}

type NotFoundError struct {
	what string
	key  string
}

func NewNotFoundError(what, key string) NotFoundError {
	return NotFoundError{what: what, key: key}
}

func (e NotFoundError) ErrorName() string {
	return e.what + "NotFound"
}

func (NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf(`%s "%s" not found`, e.what, e.key)
}

// HTTPCodeFrom returns the HTTP status code for any error.
func HTTPCodeFrom(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	var withCode withStatusCode
	if errors.As(err, &withCode) {
		return withCode.StatusCode()
	}
	return http.StatusInternalServerError
}

// ErrorName returns a machine readable name of the error, "internalError" by default.
func ErrorName(err error) string {
	var withName withErrorName
	if errors.As(err, &withName) {
		return withName.ErrorName()
	}
	return "internalError"
}

// IsFatal reports whether the error must stop the node.
func IsFatal(err error) bool {
	var exhausted ExhaustedError
	var config ConfigError
	return errors.As(err, &exhausted) || errors.As(err, &config)
}
