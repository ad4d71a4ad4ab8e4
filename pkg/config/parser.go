package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/anshi233/xvc-server-d2xx/pkg/ftdi"
)

// The configuration file is INI-shaped:
//
//	# one adapter per instance
//	[instance_management]
//	enabled = true
//	base_port = 2542
//
//	[instance_mappings]
//	1 = SN:210249A85D06
//	2 = IDX:1
//
//	[instance_settings]
//	1.frequency = 15000000
//	1.client_lock_timeout = 30
//
//	[ip_whitelist_per_instance]
//	1.allow = 10.0.0.0/24, 192.168.1.20
//	1.block = 10.0.0.13
//
// Values run to end of line; '#' and ';' start comments.
var iniLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{Name: "Comment", Pattern: `[#;][^\n]*`},
		{Name: "Section", Pattern: `\[[A-Za-z_][A-Za-z0-9_]*\]`},
		{Name: "Key", Pattern: `[A-Za-z0-9_][A-Za-z0-9_.\-]*`},
		{Name: "Equals", Pattern: `=`, Action: lexer.Push("Value")},
		{Name: "EOL", Pattern: `\r?\n`},
		{Name: "Whitespace", Pattern: `[ \t]+`},
	},
	"Value": {
		{Name: "ValueComment", Pattern: `[#;][^\n]*`},
		{Name: "Value", Pattern: `[^\n#;]+`},
		{Name: "ValueEOL", Pattern: `\r?\n`, Action: lexer.Pop()},
	},
})

type iniFile struct {
	Sections []*iniSection `parser:"EOL* @@*"`
}

type iniSection struct {
	Name    string      `parser:"@Section (EOL+ | EOF)"`
	Entries []*iniEntry `parser:"@@*"`
}

type iniEntry struct {
	Key   string `parser:"@Key Equals"`
	Value string `parser:"@Value? (ValueEOL EOL* | EOF)"`
}

var iniParser = participle.MustBuild[iniFile](
	participle.Lexer(iniLexer),
	participle.Elide("Comment", "ValueComment", "Whitespace"),
)

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse reads the configuration from r.
func Parse(r io.Reader) (*Config, error) {
	file, err := iniParser.Parse("", r)
	if err != nil {
		return nil, err
	}
	return build(file)
}

// ParseString parses an in-memory configuration.
func ParseString(s string) (*Config, error) {
	file, err := iniParser.ParseString("", s)
	if err != nil {
		return nil, err
	}
	return build(file)
}

func build(file *iniFile) (*Config, error) {
	cfg := &Config{
		Enabled:  true,
		BasePort: DefaultBasePort,
	}
	byID := make(map[int]*Instance)

	instance := func(id int) *Instance {
		if ins, ok := byID[id]; ok {
			return ins
		}
		ins := &Instance{
			ID:             id,
			LatencyMS:      DefaultLatencyMS,
			VectorCapBytes: DefaultVectorCap,
		}
		byID[id] = ins
		return ins
	}

	for _, sec := range file.Sections {
		name := strings.Trim(sec.Name, "[]")
		for _, e := range sec.Entries {
			key := e.Key
			value := strings.TrimSpace(e.Value)
			var err error
			switch name {
			case "instance_management":
				err = applyManagement(cfg, key, value)
			case "instance_mappings":
				err = applyMapping(instance, key, value)
			case "instance_settings":
				err = applySetting(instance, key, value)
			case "ip_whitelist_per_instance":
				err = applyWhitelist(instance, key, value)
			default:
				err = fmt.Errorf("unknown section [%s]", name)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		ins := byID[id]
		if ins.Port == 0 {
			// Ports default to a contiguous block starting at the base
			// port: instance 1 gets the base port itself.
			ins.Port = cfg.BasePort + uint16(id) - 1
		}
		cfg.Instances = append(cfg.Instances, *ins)
	}
	return cfg, nil
}

func applyManagement(cfg *Config, key, value string) error {
	switch key {
	case "enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("enabled: %q is not a boolean", value)
		}
		cfg.Enabled = b
	case "base_port":
		p, err := parsePort(value)
		if err != nil {
			return err
		}
		cfg.BasePort = p
	default:
		return fmt.Errorf("unknown key %q in [instance_management]", key)
	}
	return nil
}

func applyMapping(instance func(int) *Instance, key, value string) error {
	id, err := strconv.Atoi(key)
	if err != nil || id < 1 {
		return fmt.Errorf("instance id %q must be a positive integer", key)
	}
	sel, err := ftdi.ParseSelector(value)
	if err != nil {
		return err
	}
	ins := instance(id)
	ins.Device = sel
	ins.Enabled = true
	return nil
}

// splitInstanceKey turns "3.frequency" into (3, "frequency").
func splitInstanceKey(key string) (int, string, error) {
	dot := strings.IndexByte(key, '.')
	if dot < 1 {
		return 0, "", fmt.Errorf("key %q must be <instance>.<setting>", key)
	}
	id, err := strconv.Atoi(key[:dot])
	if err != nil || id < 1 {
		return 0, "", fmt.Errorf("instance id in %q must be a positive integer", key)
	}
	return id, key[dot+1:], nil
}

func applySetting(instance func(int) *Instance, key, value string) error {
	id, setting, err := splitInstanceKey(key)
	if err != nil {
		return err
	}
	ins := instance(id)
	switch setting {
	case "port":
		p, err := parsePort(value)
		if err != nil {
			return err
		}
		ins.Port = p
	case "frequency":
		hz, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("frequency: %q is not a frequency in Hz", value)
		}
		ins.FrequencyHz = uint32(hz)
	case "latency":
		ms, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return fmt.Errorf("latency: %q is not a millisecond count", value)
		}
		ins.LatencyMS = uint8(ms)
	case "vector_cap":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("vector_cap: %q is not a byte count", value)
		}
		if n > MaxVectorCap {
			n = MaxVectorCap
		}
		ins.VectorCapBytes = n
	case "client_lock_timeout":
		secs, err := strconv.Atoi(value)
		if err != nil || secs < 0 {
			return fmt.Errorf("client_lock_timeout: %q is not a second count", value)
		}
		ins.ClientLockTimeout = time.Duration(secs) * time.Second
	default:
		return fmt.Errorf("unknown setting %q", setting)
	}
	return nil
}

func applyWhitelist(instance func(int) *Instance, key, value string) error {
	id, list, err := splitInstanceKey(key)
	if err != nil {
		return err
	}
	ins := instance(id)
	var entries []string
	for _, e := range strings.Split(value, ",") {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	switch list {
	case "allow":
		ins.Allow = append(ins.Allow, entries...)
	case "block":
		ins.Block = append(ins.Block, entries...)
	default:
		return fmt.Errorf("unknown whitelist key %q", list)
	}
	return nil
}

func parsePort(value string) (uint16, error) {
	p, err := strconv.ParseUint(value, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("%q is not a TCP port", value)
	}
	return uint16(p), nil
}
