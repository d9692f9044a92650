// Package orders reads M's standing orders and the quip file. Both come from
// ConfigMaps that may change under a running instance, so files are re-read
// on every use rather than cached.
package orders

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/yaml"

	"github.com/mi6-platform/moneypenny/internal/dossier"
)

var (
	// ErrNoOrders means M has no standing orders for the requested action.
	ErrNoOrders = errors.New("no orders for action")
	// ErrNoQuips means the quip file yielded nothing usable.
	ErrNoQuips = errors.New("no quips available")
)

type Config struct {
	MFile     string `mapstructure:"m_file"`
	QuipsFile string `mapstructure:"quips_file"`
}

// M holds the path to the standing-orders file: YAML mapping an action name
// to the container sequence that carries it out. The last container is the
// main container; any before it run as init containers, in order.
type M struct {
	path string
}

func NewM(path string) *M {
	return &M{path: path}
}

func (m *M) read() (map[string][]corev1.Container, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read orders file %q: %w", m.path, err)
	}
	var orders map[string][]corev1.Container
	if err := yaml.Unmarshal(raw, &orders); err != nil {
		return nil, fmt.Errorf("parse orders file %q: %w", m.path, err)
	}
	return orders, nil
}

// For returns the container sequence for an action.
func (m *M) For(action dossier.Action) ([]corev1.Container, error) {
	orders, err := m.read()
	if err != nil {
		return nil, err
	}
	containers, ok := orders[string(action)]
	if !ok || len(containers) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoOrders, action)
	}
	return containers, nil
}

// Has reports whether M has orders for the action.
func (m *M) Has(action dossier.Action) bool {
	containers, err := m.For(action)
	return err == nil && len(containers) > 0
}

// Dump returns all standing orders, for the operator surface.
func (m *M) Dump() (map[string][]corev1.Container, error) {
	return m.read()
}

// Quips serves lines from a fortune-format file: blocks of text separated by
// lines consisting only of '%'. Lines starting with '#' are comments, and
// empty quips are dropped.
type Quips struct {
	path string
}

func NewQuips(path string) *Quips {
	return &Quips{path: path}
}

// All returns every quip in the file.
func (q *Quips) All() ([]string, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		return nil, fmt.Errorf("read quips file %q: %w", q.path, err)
	}

	var quips []string
	var current strings.Builder
	flush := func() {
		if s := current.String(); strings.TrimSpace(s) != "" {
			quips = append(quips, s)
		}
		current.Reset()
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.TrimRight(line, " \t\r") == "%" {
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()
	return quips, nil
}

// Quip returns a pseudo-random quip.
func (q *Quips) Quip() (string, error) {
	quips, err := q.All()
	if err != nil {
		return "", err
	}
	if len(quips) == 0 {
		return "", ErrNoQuips
	}
	return quips[rand.IntN(len(quips))], nil
}
