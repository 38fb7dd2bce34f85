package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

const (
	secretsManagerPrefix = "secretsmanager:"
	ssmPrefix            = "ssm:"
)

// SecretSource resolves the part of a reference after its prefix.
type SecretSource interface {
	Lookup(ctx context.Context, ref string) (string, error)
}

// SecretSources holds the stores used to resolve secret references.
// Either may be nil when the config does not reference it.
type SecretSources struct {
	SecretsManager SecretSource
	SSM            SecretSource
}

// SecretReferences reports which stores the config points at.
func SecretReferences(cfg *Config) (secretsManager, ssm bool) {
	walkStrings(reflect.ValueOf(cfg).Elem(), func(_ string, v reflect.Value) {
		s := v.String()
		secretsManager = secretsManager || strings.HasPrefix(s, secretsManagerPrefix)
		ssm = ssm || strings.HasPrefix(s, ssmPrefix)
	})
	return secretsManager, ssm
}

// ResolveSecrets replaces every "secretsmanager:<ref>" and "ssm:<ref>"
// string value with the stored secret. Values are never logged.
func ResolveSecrets(ctx context.Context, cfg *Config, src SecretSources) error {
	var firstErr error
	walkStrings(reflect.ValueOf(cfg).Elem(), func(path string, v reflect.Value) {
		if firstErr != nil {
			return
		}
		s := v.String()
		var (
			resolved string
			err      error
		)
		switch {
		case strings.HasPrefix(s, secretsManagerPrefix):
			if src.SecretsManager == nil {
				err = fmt.Errorf("%s references secrets manager but no loader is configured", path)
				break
			}
			resolved, err = src.SecretsManager.Lookup(ctx, strings.TrimPrefix(s, secretsManagerPrefix))
		case strings.HasPrefix(s, ssmPrefix):
			if src.SSM == nil {
				err = fmt.Errorf("%s references SSM but no loader is configured", path)
				break
			}
			resolved, err = src.SSM.Lookup(ctx, strings.TrimPrefix(s, ssmPrefix))
		default:
			return
		}
		if err != nil {
			firstErr = fmt.Errorf("resolve %s: %w", path, err)
			return
		}
		v.SetString(resolved)
	})
	return firstErr
}

func walkStrings(v reflect.Value, fn func(path string, v reflect.Value)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := v.Field(i)
		name := t.Field(i).Tag.Get("yaml")
		switch f.Kind() {
		case reflect.Struct:
			walkStrings(f, func(p string, sv reflect.Value) { fn(name+"."+p, sv) })
		case reflect.String:
			fn(name, f)
		}
	}
}
