package mesh

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/worthit-bot/worthit/internal/domain"
)

// ServiceSpec is one static instance entry in the services file.
type ServiceSpec struct {
	Service    string `yaml:"service"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Scheme     string `yaml:"scheme"`
	HealthPath string `yaml:"health_path"`
	Weight     int    `yaml:"weight"`
}

type servicesFile struct {
	Services []ServiceSpec `yaml:"services"`
}

// LoadServicesFile registers static instances from a YAML file. A missing
// path is not an error; the registry starts empty and instances register
// at runtime.
func LoadServicesFile(reg *Registry, path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: mesh services file: %v", domain.ErrConfig, err)
	}
	var f servicesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("%w: mesh services file: %v", domain.ErrConfig, err)
	}
	for _, s := range f.Services {
		if s.Service == "" || s.Host == "" || s.Port == 0 {
			return fmt.Errorf("%w: mesh services file: service, host, and port are required", domain.ErrConfig)
		}
		opts := []InstanceOption{}
		if s.Scheme != "" {
			opts = append(opts, WithScheme(s.Scheme))
		}
		if s.Weight > 0 {
			opts = append(opts, WithWeight(s.Weight))
		}
		reg.Register(s.Service, s.Host, s.Port, s.HealthPath, opts...)
	}
	return nil
}
