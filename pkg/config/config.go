// Package config parses the CLI surface and optional overlay file that
// select master/ordinary mode, the peer's nickname and the rendezvous
// addresses, mirroring the original's Config(argc, argv) constructor.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/spf13/viper"

	"github.com/fluggageheimen/p2ptest/pkg/netaddr"
)

// Mode selects whether this node accepts Requests (Master) or dials one
// (Ordinary).
type Mode int

const (
	Ordinary Mode = iota
	Master
	Unknown
	Help
)

func (m Mode) String() string {
	switch m {
	case Ordinary:
		return "Ordinary"
	case Master:
		return "Master"
	case Unknown:
		return "Unknown"
	case Help:
		return "Help"
	default:
		return "Unknown"
	}
}

// DefaultEndpoint is the local rendezvous socket bound when -e/--endpoint
// and --localport are both omitted.
const DefaultEndpoint = "0.0.0.0:48800"

// Provider is the external collaborator spec.md §6 describes: everything
// the rest of the system needs to know about how it was launched.
type Provider interface {
	Mode() Mode
	Nickname() string
	RemoteServerAddress() netaddr.Address
	LocalServerAddress() netaddr.Address
	Endpoint() netaddr.Address
}

// Config is the flag-backed Provider implementation built by Parse.
type Config struct {
	mode                Mode
	nickname            string
	remoteServerAddress netaddr.Address
	localServerAddress  netaddr.Address
	endpoint            netaddr.Address
}

func (c *Config) Mode() Mode                           { return c.mode }
func (c *Config) Nickname() string                     { return c.nickname }
func (c *Config) RemoteServerAddress() netaddr.Address { return c.remoteServerAddress }
func (c *Config) LocalServerAddress() netaddr.Address  { return c.localServerAddress }
func (c *Config) Endpoint() netaddr.Address            { return c.endpoint }

// IsValid mirrors the original's Config::isValid: a nickname is mandatory,
// and an ordinary node needs a reachable remote master.
func (c *Config) IsValid() bool {
	if c.mode == Help {
		return false
	}
	if c.nickname == "" {
		return false
	}
	if c.mode != Master && c.remoteServerAddress.IsUnset() {
		return false
	}
	return true
}

// Parse builds a Config from args (typically os.Args[1:]), writing usage
// text to out on -h/--help or a flag error. Exit code is always left to
// the caller; this never calls os.Exit.
func Parse(args []string, out io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("p2ptest", flag.ContinueOnError)
	fs.SetOutput(out)

	master := fs.Bool("master", false, "Launch as master node")
	fs.BoolVar(master, "m", false, "shorthand for --master")
	nickname := fs.String("nickname", "", "This node's display name")
	fs.StringVar(nickname, "n", "", "shorthand for --nickname")
	remote := fs.String("remote-address", "", "Master node address (host:port), not used with --master")
	fs.StringVar(remote, "r", "", "shorthand for --remote-address")
	local := fs.String("local-address", "", "Master node's local-network address (host:port), tried before --remote-address")
	fs.StringVar(local, "l", "", "shorthand for --local-address")
	endpoint := fs.String("endpoint", DefaultEndpoint, "Local rendezvous socket address (host:port)")
	fs.StringVar(endpoint, "e", DefaultEndpoint, "shorthand for --endpoint")
	localPort := fs.Uint("localport", 0, "Override just the port of --endpoint")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return &Config{mode: Help}, nil
		}
		return nil, err
	}

	cfg := &Config{nickname: *nickname}
	if *master {
		cfg.mode = Master
	} else {
		cfg.mode = Ordinary
	}

	if *remote != "" {
		addr, err := netaddr.Parse(*remote)
		if err != nil {
			return nil, fmt.Errorf("config: invalid --remote-address %q: %w", *remote, err)
		}
		cfg.remoteServerAddress = addr
	}
	if *local != "" {
		addr, err := netaddr.Parse(*local)
		if err != nil {
			return nil, fmt.Errorf("config: invalid --local-address %q: %w", *local, err)
		}
		cfg.localServerAddress = addr
	}

	addr, err := netaddr.Parse(*endpoint)
	if err != nil {
		return nil, fmt.Errorf("config: invalid --endpoint %q: %w", *endpoint, err)
	}
	if *localPort != 0 {
		addr.Port = uint16(*localPort)
	}
	cfg.endpoint = addr

	return cfg, nil
}

// LoadOverlayFile merges a JSON/YAML/TOML file (auto-detected by
// extension) over the already-parsed flag defaults using viper, letting
// an operator pin nickname/addresses without retyping flags every run.
// Fields absent from the file are left untouched.
func (c *Config) LoadOverlayFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading overlay file %s: %w", path, err)
	}

	if v.IsSet("master") {
		if v.GetBool("master") {
			c.mode = Master
		} else {
			c.mode = Ordinary
		}
	}
	if v.IsSet("nickname") {
		c.nickname = v.GetString("nickname")
	}
	if v.IsSet("remote_address") {
		addr, err := netaddr.Parse(v.GetString("remote_address"))
		if err != nil {
			return fmt.Errorf("config: invalid remote_address in %s: %w", path, err)
		}
		c.remoteServerAddress = addr
	}
	if v.IsSet("local_address") {
		addr, err := netaddr.Parse(v.GetString("local_address"))
		if err != nil {
			return fmt.Errorf("config: invalid local_address in %s: %w", path, err)
		}
		c.localServerAddress = addr
	}
	if v.IsSet("endpoint") {
		addr, err := netaddr.Parse(v.GetString("endpoint"))
		if err != nil {
			return fmt.Errorf("config: invalid endpoint in %s: %w", path, err)
		}
		c.endpoint = addr
	}
	return nil
}
