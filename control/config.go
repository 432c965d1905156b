// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// File and environment configuration via viper.

package control

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/momentics/wsengine/api"
)

// Loader reads one configuration file with environment overrides. Keys
// follow the mapstructure tags of the target struct; nested keys map to
// PREFIX_SECTION_KEY environment variables.
type Loader struct {
	mu        sync.Mutex
	v         *viper.Viper
	path      string
	envPrefix string
}

// NewLoader creates a loader for path. An empty path reads only the
// environment.
func NewLoader(path, envPrefix string) *Loader {
	v := viper.New()
	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return &Loader{v: v, path: path, envPrefix: envPrefix}
}

// Load decodes the configuration into out, which must be a pointer to a
// struct already holding the defaults. Keys absent from both file and
// environment keep their default.
func (l *Loader) Load(out any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return api.ErrConfig.WithMessage("config target must be a pointer to struct")
	}
	bindEnv(l.v, "", rv.Elem().Type())

	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return api.ErrNotFound.WithMessage("config file not found").WithContext("path", l.path).WithError(err)
			}
			return api.ErrConfig.WithMessage(fmt.Sprintf("read %s: %v", l.path, err)).WithError(err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(out, hook); err != nil {
		return api.ErrConfig.WithMessage(fmt.Sprintf("decode config: %v", err)).WithError(err)
	}
	return nil
}

// LoadConfig is NewLoader(path, envPrefix).Load(out).
func LoadConfig(path, envPrefix string, out any) error {
	return NewLoader(path, envPrefix).Load(out)
}

// bindEnv registers every leaf key of t so AutomaticEnv can resolve keys
// that appear neither in the file nor as defaults.
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		ft := f.Type
		if ft.Kind() == reflect.Struct && ft.PkgPath() != "time" {
			bindEnv(v, key, ft)
			continue
		}
		_ = v.BindEnv(key)
	}
}
