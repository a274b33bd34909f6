// Package options builds CLI argument slices for container engine
// invocations via struct tags, the same reflect-driven approach
// options.ToArgs[T] uses, adapted from apple-container's single
// comma-joined --mount flag to docker's repeatable-flag convention
// (-p, -e, -v, --device each appear once per slice element).
package options

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// RunInstance are the flags passed to `<engine> run` when launching a
// VM container (golden-image installer or instance).
type RunInstance struct {
	Detach  bool              `flag:"-d"`
	Name    string            `flag:"--name"`
	Network string            `flag:"--network"`
	Restart string            `flag:"--restart"`
	Publish []string          `flag:"-p"`
	Env     []string          `flag:"-e"`
	Volume  []string          `flag:"-v"`
	Device  []string          `flag:"--device"`
	CapAdd  []string          `flag:"--cap-add"`
	Label   map[string]string `flag:"--label"`
}

// StopInstance are the flags passed to `<engine> stop`.
type StopInstance struct {
	Time int `flag:"-t"`
}

// RemoveInstance are the flags passed to `<engine> rm`.
type RemoveInstance struct {
	Force bool `flag:"-f"`
}

// ExecInstance are the flags passed to `<engine> exec`.
type ExecInstance struct {
	Interactive bool `flag:"-i"`
	TTY         bool `flag:"-t"`
}

// ToArgs flattens s's tagged fields into CLI arguments, in struct
// field order. Zero-valued fields (empty string, false, nil slice/map,
// zero int) are omitted, matching the teacher's ToArgs[T].
func ToArgs[T any](s *T) []string {
	if s == nil {
		s = new(T)
	}
	var ret []string
	st := reflect.TypeOf(*s)
	sv := reflect.ValueOf(*s)

	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		fv := sv.Field(i)

		flagName, ok := field.Tag.Lookup("flag")
		if !ok {
			continue
		}
		if fv.IsZero() {
			continue
		}

		switch field.Type.Kind() {
		case reflect.Slice, reflect.Array:
			for j := 0; j < fv.Len(); j++ {
				ret = append(ret, flagName, fmt.Sprintf("%v", fv.Index(j)))
			}
		case reflect.Map:
			m, _ := fv.Interface().(map[string]string)
			for _, k := range slices.Sorted(maps.Keys(m)) {
				ret = append(ret, flagName, fmt.Sprintf("%s=%s", k, m[k]))
			}
		case reflect.Bool:
			ret = append(ret, flagName)
		default:
			ret = append(ret, flagName, strings.TrimSpace(fmt.Sprintf("%v", fv.Interface())))
		}
	}
	return ret
}
