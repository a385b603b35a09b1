package ownership

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"routeline/internal/domain"
)

// File is the on-disk ownership catalog format.
type File struct {
	Services []domain.ServiceOwnership `yaml:"services"`
}

// ParseFile decodes an ownership catalog.
func ParseFile(data []byte) ([]domain.ServiceOwnership, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid ownership yaml: %w", err)
	}
	seen := map[string]bool{}
	for _, s := range f.Services {
		if s.Service == "" {
			return nil, fmt.Errorf("ownership entry without service name")
		}
		if seen[s.Service] {
			return nil, fmt.Errorf("duplicate service %s", s.Service)
		}
		seen[s.Service] = true
	}
	return f.Services, nil
}

// LoadFile reads and decodes an ownership catalog from path.
func LoadFile(path string) ([]domain.ServiceOwnership, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data)
}
