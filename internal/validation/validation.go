package validation

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalid     = errors.New("validation failed")
	ErrInvalidAddr = errors.New("invalid address")
)

var (
	validate *validator.Validate
	once     sync.Once
)

// Validator returns the shared validator with the listen_addr and peer_addr
// tags registered.
func Validator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
			return ValidateListenAddr(fl.Field().String()) == nil
		})
		_ = validate.RegisterValidation("peer_addr", func(fl validator.FieldLevel) bool {
			return ValidatePeerAddr(fl.Field().String()) == nil
		})
	})
	return validate
}

// Struct validates v and reports every failing field in one error wrapping
// ErrInvalid.
func Struct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fieldPath(e.Namespace()), e.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

// fieldPath drops the root struct name from a namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// ValidateListenAddr accepts host:port with an optional host, e.g. ":4111".
func ValidateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return validPort(port)
}

// ValidatePeerAddr accepts host:port with a non-empty host.
func ValidatePeerAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	if host == "" {
		return fmt.Errorf("%w: %q has no host", ErrInvalidAddr, addr)
	}
	return validPort(port)
}

func validPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("%w: bad port %q", ErrInvalidAddr, port)
	}
	return nil
}
