package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutes(t *testing.T) {
	t.Setenv("ORCH_TEST_HOST", "db.internal")
	t.Setenv("ORCH_TEST_PORT", "5432")

	out := ExpandEnv([]byte("url: {{.ORCH_TEST_HOST}}:{{.ORCH_TEST_PORT}}"))
	assert.Equal(t, "url: db.internal:5432", string(out))
}

func TestExpandEnvMissingVarIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("key: {{.DEFINITELY_NOT_SET_ANYWHERE_XYZ}}"))
	assert.Equal(t, "key: ", string(out))
}

func TestExpandEnvLeavesDollarAlone(t *testing.T) {
	in := []byte(`pattern: "^secret.*$"` + "\n" + `password: "p@ss$word"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("broken: {{.UNCLOSED")
	assert.Equal(t, in, ExpandEnv(in))
}
