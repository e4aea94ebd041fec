package pairing

import "fmt"

// Message type numbers carried in the THP application envelope.
const (
	MessageTypeFailure                     uint16 = 3
	MessageTypePairingRequest              uint16 = 1008
	MessageTypePairingRequestApproved      uint16 = 1009
	MessageTypeSelectMethod                uint16 = 1010
	MessageTypePairingPreparationsFinished uint16 = 1011
	MessageTypeCredentialRequest           uint16 = 1016
	MessageTypeCredentialResponse          uint16 = 1017
	MessageTypeEndRequest                  uint16 = 1018
	MessageTypeEndResponse                 uint16 = 1019
	MessageTypeCodeEntryCpaceHostTag       uint16 = 1027
	MessageTypeCodeEntrySecret             uint16 = 1028
	MessageTypeQrCodeTag                   uint16 = 1032
	MessageTypeQrCodeSecret                uint16 = 1033
	MessageTypeNfcTagHost                  uint16 = 1040
	MessageTypeNfcTagTrezor                uint16 = 1041
)

var messageTypeNames = map[uint16]string{
	MessageTypeFailure:                     "Failure",
	MessageTypePairingRequest:              "ThpPairingRequest",
	MessageTypePairingRequestApproved:      "ThpPairingRequestApproved",
	MessageTypeSelectMethod:                "ThpSelectMethod",
	MessageTypePairingPreparationsFinished: "ThpPairingPreparationsFinished",
	MessageTypeCredentialRequest:           "ThpCredentialRequest",
	MessageTypeCredentialResponse:          "ThpCredentialResponse",
	MessageTypeEndRequest:                  "ThpEndRequest",
	MessageTypeEndResponse:                 "ThpEndResponse",
	MessageTypeCodeEntryCpaceHostTag:       "ThpCodeEntryCpaceHostTag",
	MessageTypeCodeEntrySecret:             "ThpCodeEntrySecret",
	MessageTypeQrCodeTag:                   "ThpQrCodeTag",
	MessageTypeQrCodeSecret:                "ThpQrCodeSecret",
	MessageTypeNfcTagHost:                  "ThpNfcTagHost",
	MessageTypeNfcTagTrezor:                "ThpNfcTagTrezor",
}

// MessageTypeName returns the protobuf name of a message type.
func MessageTypeName(t uint16) string {
	if n, ok := messageTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MessageType(%d)", t)
}

// Method is a pairing method advertised in DeviceProperties.
type Method uint32

const (
	MethodSkipPairing Method = 1
	MethodCodeEntry   Method = 2
	MethodQrCode      Method = 3
	MethodNFC         Method = 4
)

func (m Method) String() string {
	switch m {
	case MethodSkipPairing:
		return "skip"
	case MethodCodeEntry:
		return "code-entry"
	case MethodQrCode:
		return "qr-code"
	case MethodNFC:
		return "nfc"
	default:
		return fmt.Sprintf("method(%d)", uint32(m))
	}
}

// ParseMethod accepts the names returned by String.
func ParseMethod(s string) (Method, error) {
	for _, m := range []Method{MethodSkipPairing, MethodCodeEntry, MethodQrCode, MethodNFC} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("pairing: unknown method %q", s)
}

// OutOfBand reports whether the method needs a user-visible confirmation.
func (m Method) OutOfBand() bool {
	return m == MethodCodeEntry || m == MethodQrCode || m == MethodNFC
}

// tagTypes maps an out-of-band method to its host tag and device secret
// message types.
func (m Method) tagTypes() (tag, secret uint16, ok bool) {
	switch m {
	case MethodCodeEntry:
		return MessageTypeCodeEntryCpaceHostTag, MessageTypeCodeEntrySecret, true
	case MethodQrCode:
		return MessageTypeQrCodeTag, MessageTypeQrCodeSecret, true
	case MethodNFC:
		return MessageTypeNfcTagHost, MessageTypeNfcTagTrezor, true
	}
	return 0, 0, false
}

// FailureType mirrors the common Trezor failure codes used during pairing.
type FailureType uint32

const (
	FailureUnexpectedMessage FailureType = 1
	FailureDataError         FailureType = 3
	FailureActionCancelled   FailureType = 4
	FailureProcessError      FailureType = 9
	FailureInvalidProtocol   FailureType = 17
)
