package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/Alia5/usbtunnel/internal/configpaths"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit writes a config file holding every flag of a subcommand at its
// default value.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"device,controller,sniff"`
	Format  string `help:"Output format" enum:"json,yaml,yml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

var templateCommands = map[string]reflect.Type{
	"device":     reflect.TypeFor[Device](),
	"controller": reflect.TypeFor[Controller](),
	"sniff":      reflect.TypeFor[Sniff](),
}

var encoders = map[string]func(any) ([]byte, error){
	"json": func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	"yaml": yaml.Marshal,
	"toml": toml.Marshal,
}

func (c *ConfigInit) Run() error {
	format := configpaths.Extension(strings.ToLower(c.Format))
	encode, ok := encoders[format]
	if !ok || (format == "json" && !strings.EqualFold(c.Format, "json")) {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}
	typ, ok := templateCommands[c.Command]
	if !ok {
		return fmt.Errorf("no config for command %q", c.Command)
	}
	data, err := encode(flagTemplate(typ))
	if err != nil {
		return err
	}

	dest := c.Output
	if dest == "" {
		dest = c.Command + "." + format
	}
	if _, err := os.Stat(dest); err == nil && !c.Force {
		return errors.New("destination exists; use --force to overwrite")
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// configKey is the key kong's configuration resolvers look a field up by:
// the flag name with dashes replaced by underscores.
func configKey(f reflect.StructField) string {
	if name := f.Tag.Get("name"); name != "" {
		return strings.ReplaceAll(name, "-", "_")
	}
	var b strings.Builder
	r := []rune(f.Name)
	for i, c := range r {
		if i > 0 && unicode.IsUpper(c) {
			afterLower := unicode.IsLower(r[i-1]) || unicode.IsDigit(r[i-1])
			endsAcronym := unicode.IsUpper(r[i-1]) && i+1 < len(r) && unicode.IsLower(r[i+1])
			if afterLower || endsAcronym {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

// flagTemplate maps every flag of a kong command struct to its default.
// Positional args, hidden fields and flags without a scalar default are
// left out. Embedded structs nest under their prefix.
func flagTemplate(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := map[string]any{}
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() || len(f.Index) > 1 || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, isArg := f.Tag.Lookup("arg"); isArg {
			continue
		}
		if _, embedded := f.Tag.Lookup("embed"); embedded || f.Anonymous {
			sub := flagTemplate(f.Type)
			if group := strings.TrimSuffix(f.Tag.Get("prefix"), "."); group != "" {
				out[group] = sub
				continue
			}
			for k, v := range sub {
				out[k] = v
			}
			continue
		}
		if v, ok := defaultValue(f.Type, f.Tag.Get("default")); ok {
			out[configKey(f)] = v
		}
	}
	return out
}

var durationType = reflect.TypeFor[time.Duration]()

// defaultValue converts a default tag to the value a config file holds.
// Unparsable defaults fall back to the zero value.
func defaultValue(t reflect.Type, def string) (any, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == durationType {
		if def == "" {
			def = "0s"
		}
		return def, true
	}
	switch t.Kind() {
	case reflect.String:
		return def, true
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 0, 64)
		return n, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 0, 64)
		return n, true
	case reflect.Float32, reflect.Float64:
		n, _ := strconv.ParseFloat(def, 64)
		return n, true
	case reflect.Struct:
		return flagTemplate(t), true
	}
	return nil, false
}
