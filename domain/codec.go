package domain

import "github.com/fxamacker/cbor/v2"

// Records are persisted and pushed around as CBOR. The codec lives next to
// the types so the directory, the registry, and the subscription hub all
// agree on one encoding.

func EncodeUser(u UserRecord) ([]byte, error) {
	return cbor.Marshal(u)
}

func DecodeUser(data []byte) (UserRecord, error) {
	var u UserRecord
	err := cbor.Unmarshal(data, &u)
	return u, err
}

func EncodeChatroom(c ChatroomRecord) ([]byte, error) {
	return cbor.Marshal(c)
}

func DecodeChatroom(data []byte) (ChatroomRecord, error) {
	var c ChatroomRecord
	err := cbor.Unmarshal(data, &c)
	return c, err
}
