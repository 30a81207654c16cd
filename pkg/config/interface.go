package config

// Environment supplies the KESTREL_* overrides applied after the file is read
type Environment interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	Has(key string) bool
}

// Validation failures, one per section of kestrel.yaml
var (
	ErrInvalidVersion    = Error{Section: "version", Message: "unsupported configuration version"}
	ErrInvalidLimits     = Error{Section: "limits", Message: "invalid kernel limits"}
	ErrInvalidMount      = Error{Section: "mounts", Message: "invalid mount table"}
	ErrInvalidBoot       = Error{Section: "boot", Message: "invalid boot filesystem"}
	ErrInvalidAccounting = Error{Section: "accounting", Message: "invalid accounting driver"}
)

// Error is a validation failure in one section of the configuration
type Error struct {
	Section string
	Message string
}

func (e Error) Error() string {
	return e.Message
}
