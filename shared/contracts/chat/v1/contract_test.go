package v1

import (
	"strings"
	"testing"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{name: "valid hello", env: Envelope{V: Version, Type: TypeHello}},
		{name: "valid error", env: Envelope{V: Version, Type: TypeError}},
		{name: "missing version", env: Envelope{Type: TypeHello}, wantErr: "missing field: v"},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeHello}, wantErr: "unsupported protocol version"},
		{name: "missing type", env: Envelope{V: Version}, wantErr: "missing field: type"},
		{name: "unknown type", env: Envelope{V: Version, Type: "shout"}, wantErr: "unknown type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestEnvelopeValidateAllKnownTypes(t *testing.T) {
	t.Parallel()

	known := []string{
		TypeHello, TypeHelloAck,
		TypeConversationJoin, TypeConversationJoined,
		TypeMessageSend, TypeMessageAck, TypeMessageNew,
		TypeMessageDelivered, TypeMessageRead,
		TypeReadSend,
		TypeTyping, TypeTypingState,
		TypePresenceUpdate,
		TypeHistoryFetch, TypeHistoryChunk,
		TypeError,
	}
	for _, typ := range known {
		if err := (Envelope{V: Version, Type: typ}).Validate(); err != nil {
			t.Fatalf("Validate(%s) = %v", typ, err)
		}
	}
}
