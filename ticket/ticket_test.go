package ticket

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidates(t *testing.T) {
	tk, err := New()
	require.NoError(t, err)
	require.NoError(t, tk.Validate())
}

func TestValidateRejectsNonAlphanumeric(t *testing.T) {
	tk, err := New()
	require.NoError(t, err)

	mutated := tk
	mutated[0] = '-'
	require.Error(t, mutated.Validate())
}

func TestFromBytesLengthCheck(t *testing.T) {
	_, err := FromBytes(make([]byte, Length-1))
	require.Error(t, err)

	valid := make([]byte, Length)
	for i := range valid {
		valid[i] = 'A'
	}
	tk, err := FromBytes(valid)
	require.NoError(t, err)
	require.Equal(t, string(valid), tk.String())
}

func TestRoleConversionsRoundtrip(t *testing.T) {
	sid, err := NewSessionId()
	require.NoError(t, err)

	eq := EquivIDFromSessionId(sid)
	back := SessionIdFromEquiv(eq)
	require.Equal(t, sid, back)
}

func FuzzValidate(f *testing.F) {
	valid := make([]byte, Length)
	for i := range valid {
		valid[i] = 'a'
	}
	f.Add(valid)
	f.Fuzz(func(t *testing.T, b []byte) {
		if len(b) != Length {
			return
		}
		var tk Ticket
		copy(tk[:], b)
		_ = tk.Validate()
	})
}
