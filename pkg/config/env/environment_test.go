package env

import (
	"testing"
)

func TestEnvironment_BasicTypes(t *testing.T) {
	env := New()

	t.Run("String", func(t *testing.T) {
		t.Setenv("TEST_STRING", "test value")
		if got := env.GetString("TEST_STRING"); got != "test value" {
			t.Errorf("GetString() = %v, want %v", got, "test value")
		}
	})

	t.Run("Integer", func(t *testing.T) {
		t.Setenv("TEST_INT", " 42 ")
		if got := env.GetInt("TEST_INT"); got != 42 {
			t.Errorf("GetInt() = %v, want 42", got)
		}
	})

	t.Run("Boolean", func(t *testing.T) {
		t.Setenv("TEST_BOOL", "true")
		if got := env.GetBool("TEST_BOOL"); !got {
			t.Error("GetBool() = false, want true")
		}
	})
}

func TestEnvironment_Prefix(t *testing.T) {
	env := WithPrefix("KESTREL_")
	t.Setenv("KESTREL_OPEN_MAX", "16")
	t.Setenv("OPEN_MAX", "99")

	if got := env.GetInt("OPEN_MAX"); got != 16 {
		t.Errorf("GetInt() = %v, want 16", got)
	}
	if !env.Has("OPEN_MAX") {
		t.Error("Has() = false, want true")
	}
	if env.Has("PID_MAX_UNSET_FOR_TEST") {
		t.Error("Has() = true for an unset variable")
	}
}

func TestEnvironment_Defaults(t *testing.T) {
	env := FromMap("", map[string]string{
		"BAD_INT":  "not a number",
		"BAD_BOOL": "not a bool",
	})

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"String Default", env.GetStringWithDefault("MISSING", "default"), "default"},
		{"Integer Default", env.GetIntWithDefault("MISSING", 42), 42},
		{"Boolean Default", env.GetBoolWithDefault("MISSING", true), true},
		{"Invalid Integer", env.GetInt("BAD_INT"), 0},
		{"Invalid Boolean", env.GetBool("BAD_BOOL"), false},
		{"Invalid Integer Default", env.GetIntWithDefault("BAD_INT", 7), 7},
		{"Missing String", env.GetString("MISSING"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}
