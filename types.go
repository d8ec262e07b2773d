package opqueue

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Client is the identity the surrounding daemon assigns to the logical
// submitter of requests. Several clients may map to the same InnerClient.
type Client uint64

// PoolID identifies a storage pool.
type PoolID int64

// NoPool marks a request whose target pool is not embedded in it.
const NoPool PoolID = -1

// OpType is the request kind carried in request metadata.
type OpType uint8

const (
	TypeClientOp OpType = iota
	TypeRepOp
	TypeRepOpReply
	TypeECSubWrite
	TypeECSubRead
	TypePeeringEvent
	TypeSnapTrim
	TypeRecovery
	TypeRecoveryContext
	TypeScrub
	TypePGDelete
)

var opTypeNames = [...]string{
	TypeClientOp:        "client_op",
	TypeRepOp:           "rep_op",
	TypeRepOpReply:      "rep_op_reply",
	TypeECSubWrite:      "ec_sub_write",
	TypeECSubRead:       "ec_sub_read",
	TypePeeringEvent:    "peering_event",
	TypeSnapTrim:        "snaptrim",
	TypeRecovery:        "recovery",
	TypeRecoveryContext: "recovery_context",
	TypeScrub:           "scrub",
	TypePGDelete:        "pg_delete",
}

func (t OpType) String() string {
	if int(t) < len(opTypeNames) {
		return opTypeNames[t]
	}
	return fmt.Sprintf("op_type(%d)", uint8(t))
}

// ParseOpType is the inverse of OpType.String.
func ParseOpType(s string) (OpType, error) {
	for i, n := range opTypeNames {
		if n == s {
			return OpType(i), nil
		}
	}
	return 0, errors.Newf("unknown op type %q", s)
}

// OpClass is the scheduling class a request is accounted against.
type OpClass uint8

const (
	ClassClientOp OpClass = iota
	ClassRepOp
	ClassPeeringEvent
	ClassSnapTrim
	ClassRecovery
	ClassScrub
	ClassPGDelete

	numOpClasses
)

var opClassNames = [numOpClasses]string{
	ClassClientOp:     "client_op",
	ClassRepOp:        "osd_rep_op",
	ClassPeeringEvent: "peering_event",
	ClassSnapTrim:     "bg_snaptrim",
	ClassRecovery:     "bg_recovery",
	ClassScrub:        "bg_scrub",
	ClassPGDelete:     "bg_pg_delete",
}

func (c OpClass) String() string {
	if c < numOpClasses {
		return opClassNames[c]
	}
	return fmt.Sprintf("op_class(%d)", uint8(c))
}

// ParseOpClass accepts the names produced by OpClass.String.
func ParseOpClass(s string) (OpClass, error) {
	s = strings.TrimSpace(s)
	for i, n := range opClassNames {
		if n == s {
			return OpClass(i), nil
		}
	}
	return 0, errors.Newf("unknown op class %q", s)
}

// ClassOf maps a request type to its scheduling class. Replication
// traffic of every flavour is accounted as osd_rep_op; unknown types are
// treated as client ops.
func ClassOf(t OpType) OpClass {
	switch t {
	case TypeRepOp, TypeRepOpReply, TypeECSubWrite, TypeECSubRead:
		return ClassRepOp
	case TypePeeringEvent:
		return ClassPeeringEvent
	case TypeSnapTrim:
		return ClassSnapTrim
	case TypeRecovery, TypeRecoveryContext:
		return ClassRecovery
	case TypeScrub:
		return ClassScrub
	case TypePGDelete:
		return ClassPGDelete
	default:
		return ClassClientOp
	}
}

// InnerClient is the key the scheduler keeps QoS state for. All requests
// of one op class against one pool share a budget.
type InnerClient struct {
	Pool  PoolID
	Class OpClass
}

func (c InnerClient) String() string {
	return fmt.Sprintf("%d/%s", c.Pool, c.Class)
}

// Request is a queued unit of work. The queue holds the only copy between
// enqueue and dequeue.
type Request[T any] struct {
	Owner Client
	Type  OpType

	// Pool is the target pool, or NoPool when it has to be resolved
	// through the owning service from PG.
	Pool PoolID
	PG   uint64

	Cost     uint32
	Priority uint32

	Payload T
}

// Class returns the scheduling class of the request.
func (r *Request[T]) Class() OpClass {
	return ClassOf(r.Type)
}

// PoolResolver is implemented by the owning service to map a placement
// group to its pool for requests that do not embed one.
type PoolResolver interface {
	PoolOfPG(pg uint64) (PoolID, bool)
}
