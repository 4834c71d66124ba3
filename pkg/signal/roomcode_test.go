package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateRoomCodeIsValid(t *testing.T) {
	for i := 0; i < 100; i++ {
		code := GenerateRoomCode()
		assert.True(t, ValidateRoomCode(code), "generated code %q must validate", code)
		assert.Equal(t, code, NormalizeRoomCode(code), "generated codes are already normalized")
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	assert.Equal(t, "BLUE-FROG-07", NormalizeRoomCode("  blue-frog-07 "))
}

func TestValidateRoomCode(t *testing.T) {
	assert.True(t, ValidateRoomCode("QUICK-RIVER-42"))
	assert.False(t, ValidateRoomCode("QUICK-RIVER"))
	assert.False(t, ValidateRoomCode(""))
	assert.False(t, ValidateRoomCode("--"))
}
