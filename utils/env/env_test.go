package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	t.Setenv("RELAY_TEST_STRING", "from-env")
	assert.Equal(t, "from-env", String("RELAY_TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", String("RELAY_TEST_STRING_MISSING", "fallback"))
}

func TestInt(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "8443")
	assert.Equal(t, 8443, Int("RELAY_TEST_INT", 8080))
	assert.Equal(t, 8080, Int("RELAY_TEST_INT_MISSING", 8080))
}

func TestBool(t *testing.T) {
	t.Setenv("RELAY_TEST_BOOL", "true")
	assert.True(t, Bool("RELAY_TEST_BOOL", false))
	assert.False(t, Bool("RELAY_TEST_BOOL_MISSING", false))
}

func TestInt_InvalidValueAborts(t *testing.T) {
	t.Setenv("RELAY_TEST_BAD_INT", "not-a-number")

	var message string
	original := fatalf
	fatalf = func(format string, args ...interface{}) { message = format }
	defer func() { fatalf = original }()

	Int("RELAY_TEST_BAD_INT", 1)
	assert.Contains(t, message, "not a valid int")
}

func TestMustString_MissingAborts(t *testing.T) {
	var message string
	original := fatalf
	fatalf = func(format string, args ...interface{}) { message = format }
	defer func() { fatalf = original }()

	MustString("RELAY_TEST_REQUIRED_MISSING")
	assert.Contains(t, message, "required environment variable")
}

func TestIsSet(t *testing.T) {
	t.Setenv("RELAY_TEST_EMPTY", "")
	assert.True(t, IsSet("RELAY_TEST_EMPTY"))
	assert.False(t, IsSet("RELAY_TEST_NEVER_SET"))
}
