package cluster

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
)

var (
	// ErrDuplicateID is returned when registering a server id twice
	ErrDuplicateID = errors.New("storage server id already registered")

	// ErrNoAvailableServer is returned when no storage server is registered
	ErrNoAvailableServer = partition.ErrNoAvailableServer

	// ErrUnknownServer is returned for a server id or number that is not
	// registered
	ErrUnknownServer = errors.New("unknown storage server")

	// ErrMigrationInProgress reports that the requested migrations are already
	// running. It is informational.
	ErrMigrationInProgress = errors.New("migration in progress")

	// ErrCutoverTimeout is returned when in-flight writes did not drain
	// within the cutover window. The source is unfrozen and the move retried.
	ErrCutoverTimeout = errors.New("cutover timed out waiting for in-flight writes")

	// ErrWrongPartition is returned when a caller supplied partition id does
	// not match the partition computed from the namespace and key
	ErrWrongPartition = errors.New("partition id does not match key")

	// ErrBadRequest marks malformed requests
	ErrBadRequest = errors.New("bad request")

	// ErrNotOwner is returned by migration calls addressed to a node that
	// does not hold the partition in the expected state
	ErrNotOwner = errors.New("partition not owned in expected state")
)

// RedirectError tells the caller that Owner is authoritative for Partition
// and the operation must be retried there after refreshing the table.
type RedirectError struct {
	Partition uint32
	Owner     string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("partition %d is served by %s", e.Partition, e.Owner)
}

// Redirect returns a *RedirectError
func Redirect(pid uint32, owner string) error {
	return &RedirectError{Partition: pid, Owner: owner}
}

// AsRedirect extracts a *RedirectError from err's chain
func AsRedirect(err error) (*RedirectError, bool) {
	var re *RedirectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Code is the machine readable error class carried on the wire.
type Code string

const (
	CodeNotFound            Code = "NotFound"
	CodeNamespaceNotFound   Code = "NamespaceNotFound"
	CodeChecksumMismatch    Code = "ChecksumMismatch"
	CodeVersionNotRetained  Code = "VersionNotRetained"
	CodeVersionOverflow     Code = "VersionOverflow"
	CodeCorrupt             Code = "DataCorruption"
	CodeDuplicateID         Code = "DuplicateId"
	CodeUnknownServer       Code = "UnknownServer"
	CodeNoAvailableServer   Code = "NoAvailableServer"
	CodeRedirecting         Code = "Redirecting"
	CodeMigrationInProgress Code = "MigrationInProgress"
	CodeWrongPartition      Code = "WrongPartition"
	CodeNotOwner            Code = "NotOwner"
	CodeCutoverTimeout      Code = "CutoverTimeout"
	CodeBadRequest          Code = "InvalidArgument"
	CodeInternal            Code = "Internal"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Code      Code    `json:"code"`
	Message   string  `json:"message"`
	Owner     string  `json:"owner,omitempty"`
	Partition *uint32 `json:"partition,omitempty"`
}

type errorClass struct {
	sentinel error
	code     Code
	status   int
}

// errorClasses is checked in order; the first sentinel in err's chain wins.
var errorClasses = []errorClass{
	{storage.ErrNamespaceNotFound, CodeNamespaceNotFound, http.StatusNotFound},
	{storage.ErrKeyNotFound, CodeNotFound, http.StatusNotFound},
	{storage.ErrChecksumMismatch, CodeChecksumMismatch, http.StatusUnprocessableEntity},
	{storage.ErrVersionNotRetained, CodeVersionNotRetained, http.StatusGone},
	{storage.ErrVersionOverflow, CodeVersionOverflow, http.StatusConflict},
	{storage.ErrCorruptRecord, CodeCorrupt, http.StatusInternalServerError},
	{ErrDuplicateID, CodeDuplicateID, http.StatusConflict},
	{ErrUnknownServer, CodeUnknownServer, http.StatusNotFound},
	{ErrNoAvailableServer, CodeNoAvailableServer, http.StatusServiceUnavailable},
	{ErrMigrationInProgress, CodeMigrationInProgress, http.StatusAccepted},
	{ErrWrongPartition, CodeWrongPartition, http.StatusBadRequest},
	{ErrNotOwner, CodeNotOwner, http.StatusConflict},
	{ErrCutoverTimeout, CodeCutoverTimeout, http.StatusServiceUnavailable},
	{ErrBadRequest, CodeBadRequest, http.StatusBadRequest},
}

// ToResponse classifies err into an HTTP status and wire error body.
func ToResponse(err error) (int, ErrorResponse) {
	if re, ok := AsRedirect(err); ok {
		pid := re.Partition
		return http.StatusTemporaryRedirect, ErrorResponse{
			Code:      CodeRedirecting,
			Message:   re.Error(),
			Owner:     re.Owner,
			Partition: &pid,
		}
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.sentinel) {
			return c.status, ErrorResponse{Code: c.code, Message: err.Error()}
		}
	}
	return http.StatusInternalServerError, ErrorResponse{Code: CodeInternal, Message: err.Error()}
}

// Err turns a decoded wire error back into an error that matches the same
// sentinel with errors.Is, or a *RedirectError.
func (r ErrorResponse) Err() error {
	if r.Code == CodeRedirecting {
		var pid uint32
		if r.Partition != nil {
			pid = *r.Partition
		}
		return &RedirectError{Partition: pid, Owner: r.Owner}
	}
	for _, c := range errorClasses {
		if c.code == r.Code {
			return errors.Mark(errors.Newf("%s", r.Message), c.sentinel)
		}
	}
	return errors.Newf("remote error %s: %s", r.Code, r.Message)
}
