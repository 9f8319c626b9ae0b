package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the resolved configuration: struct tags first, then the
// cross-references a tag cannot express.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return NewValidationError("config", "", f.Namespace(),
				fmt.Errorf("%w: %s failed %q", ErrInvalidValue, f.Namespace(), f.Tag()))
		}
		return err
	}

	for _, id := range cfg.Models.FallbackChain {
		if _, ok := cfg.Models.Registry[id]; !ok {
			return NewValidationError("models", id, "fallback_chain",
				fmt.Errorf("%w: chain references undefined model", ErrInvalidReference))
		}
	}

	for i, d := range cfg.Models.FallbackChain {
		for j := i + 1; j < len(cfg.Models.FallbackChain); j++ {
			if cfg.Models.FallbackChain[j] == d {
				return NewValidationError("models", d, "fallback_chain",
					fmt.Errorf("%w: model listed twice in chain", ErrInvalidValue))
			}
		}
	}

	for id, m := range cfg.Models.Registry {
		if err := structValidator.Struct(m); err != nil {
			return NewValidationError("model", id, "", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		if m.Timeout <= 0 {
			return NewValidationError("model", id, "timeout",
				fmt.Errorf("%w: timeout must be positive", ErrInvalidValue))
		}
	}

	for _, b := range cfg.Budget.Defaults {
		if err := structValidator.Struct(b); err != nil {
			return NewValidationError("budget", b.Scope+"/"+b.Window, "", fmt.Errorf("%w: %v", ErrInvalidValue, err))
		}
		if b.SoftThreshold > b.HardThreshold {
			return NewValidationError("budget", b.Scope+"/"+b.Window, "soft_threshold",
				fmt.Errorf("%w: soft threshold above hard threshold", ErrInvalidValue))
		}
		if b.Scope != "global" && b.ScopeID == "" {
			return NewValidationError("budget", b.Scope+"/"+b.Window, "scope_id",
				fmt.Errorf("%w: non-global scopes need a scope_id", ErrInvalidValue))
		}
	}

	return nil
}
