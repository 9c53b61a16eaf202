package transport

import "fmt"

// Verb identifies the protocol operation a packet carries.
type Verb byte

const (
	VerbHello                        Verb = 1
	VerbError                        Verb = 2
	VerbOK                           Verb = 3
	VerbWhois                        Verb = 4
	VerbRendezvous                   Verb = 5
	VerbFrame                        Verb = 6
	VerbBridgedFrame                 Verb = 7
	VerbMulticastFrame               Verb = 8
	VerbMulticastLike                Verb = 9
	VerbNetworkMembershipCertificate Verb = 10
	VerbNetworkConfigRequest         Verb = 11
	VerbNetworkConfigRefresh         Verb = 12
)

var verbNames = map[Verb]string{
	VerbHello:                        "HELLO",
	VerbError:                        "ERROR",
	VerbOK:                           "OK",
	VerbWhois:                        "WHOIS",
	VerbRendezvous:                   "RENDEZVOUS",
	VerbFrame:                        "FRAME",
	VerbBridgedFrame:                 "BRIDGED_FRAME",
	VerbMulticastFrame:               "MULTICAST_FRAME",
	VerbMulticastLike:                "MULTICAST_LIKE",
	VerbNetworkMembershipCertificate: "NETWORK_MEMBERSHIP_CERTIFICATE",
	VerbNetworkConfigRequest:         "NETWORK_CONFIG_REQUEST",
	VerbNetworkConfigRefresh:         "NETWORK_CONFIG_REFRESH",
}

// Known reports whether v is a verb this implementation understands.
func (v Verb) Known() bool {
	_, ok := verbNames[v]
	return ok
}

func (v Verb) String() string {
	if name, ok := verbNames[v]; ok {
		return name
	}
	return fmt.Sprintf("VERB(%d)", byte(v))
}

// ErrorCode is carried in ERROR payloads.
type ErrorCode byte

const (
	ErrorNone                      ErrorCode = 0
	ErrorInvalidRequest            ErrorCode = 1
	ErrorBadProtocolVersion        ErrorCode = 2
	ErrorObjectNotFound            ErrorCode = 3
	ErrorIdentityCollision         ErrorCode = 4
	ErrorUnsupportedOperation      ErrorCode = 5
	ErrorNeedMembershipCertificate ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "NONE"
	case ErrorInvalidRequest:
		return "INVALID_REQUEST"
	case ErrorBadProtocolVersion:
		return "BAD_PROTOCOL_VERSION"
	case ErrorObjectNotFound:
		return "OBJ_NOT_FOUND"
	case ErrorIdentityCollision:
		return "IDENTITY_COLLISION"
	case ErrorUnsupportedOperation:
		return "UNSUPPORTED_OPERATION"
	case ErrorNeedMembershipCertificate:
		return "NEED_MEMBERSHIP_CERTIFICATE"
	default:
		return fmt.Sprintf("ERROR_CODE(%d)", byte(c))
	}
}
