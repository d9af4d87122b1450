// Package areas сопоставляет адрес с зоной доставки по упорядоченному списку подстрок.
package areas

import (
	_ "embed"
	"strings"

	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

// Unknown: значение area и locality, когда ни одно правило не подошло.
const Unknown = "N/A"

//go:embed areas.yaml
var defaultRules []byte

type Result struct {
	Area     string `json:"area"`
	Locality string `json:"locality"`
}

func (r Result) IsUnknown() bool {
	return r.Area == Unknown
}

type rule struct {
	Match    []string `yaml:"match"`
	Area     string   `yaml:"area"`
	Locality string   `yaml:"locality"`
}

type rulesFile struct {
	Version string `yaml:"version"`
	Rules   []rule `yaml:"rules"`
}

// Classifier неизменяем после создания и безопасен для конкурентного использования.
type Classifier struct {
	version string
	rules   []rule
}

func New(data []byte) (*Classifier, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "unmarshal area rules")
	}
	if len(f.Rules) == 0 {
		return nil, errors.New("area rules are empty")
	}
	c := &Classifier{version: f.Version, rules: make([]rule, 0, len(f.Rules))}
	for i, r := range f.Rules {
		if r.Area == "" || len(r.Match) == 0 {
			return nil, errors.Errorf("area rule #%d: area and match are required", i)
		}
		up := rule{Area: r.Area, Locality: r.Locality}
		for _, m := range r.Match {
			m = strings.ToUpper(strings.TrimSpace(m))
			if m != "" {
				up.Match = append(up.Match, m)
			}
		}
		c.rules = append(c.rules, up)
	}
	return c, nil
}

var defaultClassifier = func() *Classifier {
	c, err := New(defaultRules)
	if err != nil {
		panic(err)
	}
	return c
}()

// Default: классификатор по встроенному справочнику.
func Default() *Classifier { return defaultClassifier }

func (c *Classifier) Version() string { return c.version }

func (c *Classifier) Classify(address string) Result {
	addr := strings.ToUpper(address)
	for _, r := range c.rules {
		for _, m := range r.Match {
			if strings.Contains(addr, m) {
				return Result{Area: r.Area, Locality: r.Locality}
			}
		}
	}
	return Result{Area: Unknown, Locality: Unknown}
}

func Classify(address string) Result {
	return defaultClassifier.Classify(address)
}
