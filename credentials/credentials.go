// Package credentials reads package index and git host credentials from the
// two places the validator knows about: environment variables and .netrc.
package credentials

import (
	"io"
	"os"
	"path/filepath"

	"github.com/bgentry/go-netrc/netrc"
)

// IndexAuth holds package index Basic-auth credentials.
type IndexAuth struct {
	User string
	Pass string
}

// IndexAuthFromEnv reads index credentials from the named environment variables.
func IndexAuthFromEnv(userEnv, passEnv string) IndexAuth {
	return IndexAuth{
		User: os.Getenv(userEnv),
		Pass: os.Getenv(passEnv),
	}
}

// Valid reports whether both a username and a password are set.
func (a IndexAuth) Valid() bool {
	return a.User != "" && a.Pass != ""
}

// Machine is the netrc entry used for a host.
type Machine struct {
	Login    string
	Password string
	Account  string
	Default  bool // Came from a "default" entry rather than a matching machine.
}

// ParseNetrc parses a netrc file and returns the entry for machine, falling
// back to the file's default entry.
func ParseNetrc(r io.Reader, machine string) (Machine, bool, error) {
	n, err := netrc.Parse(r)
	if err != nil {
		return Machine{}, false, err
	}
	m, ok := findMachine(n, machine)
	return m, ok, nil
}

func findMachine(n *netrc.Netrc, machine string) (Machine, bool) {
	m := n.FindMachine(machine)
	if m == nil {
		return Machine{}, false
	}
	return Machine{
		Login:    m.Login,
		Password: m.Password,
		Account:  m.Account,
		Default:  m.IsDefault(),
	}, true
}

// NetrcPaths returns the candidate netrc files in lookup order: $NETRC, then
// ~/.netrc and ~/_netrc.
func NetrcPaths() []string {
	var paths []string
	if p := os.Getenv("NETRC"); p != "" {
		paths = append(paths, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".netrc"), filepath.Join(home, "_netrc"))
	}
	return paths
}

// LookupNetrc returns the entry for machine from the first netrc file that has
// one, or the first default entry. Missing or unreadable files are skipped.
func LookupNetrc(machine string) (Machine, string, bool) {
	return lookupNetrc(NetrcPaths(), machine)
}

// lookupNetrc prefers a matching machine entry from any file over a default
// entry; among equals the earlier file wins.
func lookupNetrc(paths []string, machine string) (Machine, string, bool) {
	var (
		fallback     Machine
		fallbackPath string
	)
	for _, p := range paths {
		n, err := netrc.ParseFile(p)
		if err != nil {
			continue
		}
		m, ok := findMachine(n, machine)
		switch {
		case !ok:
		case !m.Default:
			return m, p, true
		case fallbackPath == "":
			fallback, fallbackPath = m, p
		}
	}
	return fallback, fallbackPath, fallbackPath != ""
}
