package routing

import (
	"fmt"

	"message-router/internal/transport"
)

// Contract is the exchange pattern a destination was configured for.
type Contract string

const (
	ContractOneWay       Contract = "one-way"
	ContractRequestReply Contract = "request-reply"
	ContractSession      Contract = "session"
	ContractDuplex       Contract = "duplex"
)

// Contracts lists every valid contract.
func Contracts() []string {
	return []string{string(ContractOneWay), string(ContractRequestReply), string(ContractSession), string(ContractDuplex)}
}

// ParseContract validates a contract name.
func ParseContract(s string) (Contract, error) {
	switch c := Contract(s); c {
	case ContractOneWay, ContractRequestReply, ContractSession, ContractDuplex:
		return c, nil
	}
	return "", fmt.Errorf("unknown contract %q", s)
}

// Capability is the transport capability the contract needs.
func (c Contract) Capability() transport.Capability {
	switch c {
	case ContractRequestReply:
		return transport.CapRequestReply
	case ContractSession:
		return transport.CapSession
	case ContractDuplex:
		return transport.CapDuplex
	default:
		return transport.CapOneWay
	}
}

// Supports reports whether a destination with this contract may take part
// in a delivery of the given kind.
func (c Contract) Supports(kind DeliveryKind) bool {
	return c == kind.Contract()
}

// Descriptor identifies a destination connection. Two descriptors are equal
// when all fields are equal, and equal descriptors share one cached
// connection.
type Descriptor struct {
	Address  string
	Contract Contract
	Binding  string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s:%s(%s)", d.Binding, d.Address, d.Contract)
}

// key is the singleflight key of the descriptor.
func (d Descriptor) key() string {
	return d.Binding + "\x00" + string(d.Contract) + "\x00" + d.Address
}

// DeliveryKind is one of the four delivery patterns.
type DeliveryKind int

const (
	KindBroadcast DeliveryKind = iota
	KindSession
	KindDuplex
	KindRequest
)

func (k DeliveryKind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindSession:
		return "session"
	case KindDuplex:
		return "duplex"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Contract is the destination contract the kind requires.
func (k DeliveryKind) Contract() Contract {
	switch k {
	case KindSession:
		return ContractSession
	case KindDuplex:
		return ContractDuplex
	case KindRequest:
		return ContractRequestReply
	default:
		return ContractOneWay
	}
}
