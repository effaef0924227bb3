package validate

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// ErrUncited marks a number in a brief that carries no traceable provenance
var ErrUncited = errors.New("uncited number")

var (
	figureType   = reflect.TypeOf(model.Figure{})
	citationType = reflect.TypeOf(model.Citation{})
	timeType     = reflect.TypeOf(time.Time{})
)

// Violation is one number that failed the provenance audit
type Violation struct {
	Path string
	Err  error
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %v", v.Path, v.Err)
}

func (v Violation) Unwrap() error {
	return ErrUncited
}

// AuditBrief walks every field of the brief. Each Figure must pass its
// provenance check, each Citation must be traceable, and a bare float is
// allowed only on fields tagged provenance:"declared".
func AuditBrief(b *model.Brief) []Violation {
	if b == nil {
		return nil
	}
	var out []Violation
	audit(reflect.ValueOf(b), "brief", false, &out)
	return out
}

// Audit returns the violations of AuditBrief joined into one error
func Audit(b *model.Brief) error {
	vs := AuditBrief(b)
	if len(vs) == 0 {
		return nil
	}
	errs := make([]error, len(vs))
	for i, v := range vs {
		errs[i] = v
	}
	return errors.Join(errs...)
}

func audit(v reflect.Value, path string, declared bool, out *[]Violation) {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			audit(v.Elem(), path, declared, out)
		}

	case reflect.Struct:
		switch v.Type() {
		case figureType:
			if err := v.Interface().(model.Figure).Check(); err != nil {
				*out = append(*out, Violation{Path: path, Err: err})
			}
			return
		case citationType:
			if err := v.Interface().(model.Citation).Check(); err != nil {
				*out = append(*out, Violation{Path: path, Err: err})
			}
			return
		case timeType:
			return
		}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			audit(v.Field(i), path+"."+fieldName(f), f.Tag.Get("provenance") == "declared", out)
		}

	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			audit(v.Index(i), fmt.Sprintf("%s[%d]", path, i), declared, out)
		}

	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			audit(v.MapIndex(k), fmt.Sprintf("%s[%v]", path, k.Interface()), declared, out)
		}

	case reflect.Float32, reflect.Float64:
		if !declared && v.Float() != 0 {
			*out = append(*out, Violation{Path: path, Err: fmt.Errorf("bare value %g outside a cited figure", v.Float())})
		}
	}
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}
