package types

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation on any of the types in this package
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// DockerInstall holds the image coordinates from an app manifest
type DockerInstall struct {
	Registry string `json:"registry" yaml:"registry" xml:"registry"`
	Image    string `json:"image" yaml:"image" xml:"image"`
	ImageTag string `json:"image-tag" yaml:"image-tag" xml:"image-tag"`
}

// ManifestEnv is an environment variable declared by the app manifest
type ManifestEnv struct {
	Name        string `json:"name" yaml:"name" xml:"name" validate:"required"`
	DisplayName string `json:"display-name,omitempty" yaml:"display-name,omitempty" xml:"display-name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" xml:"description"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty" xml:"default"`
}

// Mount is a host bind mount requested by the app manifest
type Mount struct {
	Source string `json:"source" yaml:"source" xml:"source" validate:"required"`
	Target string `json:"target" yaml:"target" xml:"target" validate:"required"`
	Mode   string `json:"mode,omitempty" yaml:"mode,omitempty" xml:"mode" validate:"omitempty,oneof=ro rw"`
}

// Manifest is the app descriptor used to deploy an ExApp
type Manifest struct {
	ID                   string        `json:"id" yaml:"id" validate:"required,max=32"`
	Name                 string        `json:"name" yaml:"name" validate:"required"`
	Version              string        `json:"version" yaml:"version" validate:"required"`
	Protocol             string        `json:"protocol,omitempty" yaml:"protocol,omitempty" validate:"omitempty,oneof=http https"`
	Port                 int           `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	SystemApp            bool          `json:"system-app,omitempty" yaml:"system-app,omitempty"`
	DockerInstall        DockerInstall `json:"docker-install" yaml:"docker-install"`
	EnvironmentVariables []ManifestEnv `json:"environment-variables,omitempty" yaml:"environment-variables,omitempty" validate:"dive"`
	Mounts               []Mount       `json:"mounts,omitempty" yaml:"mounts,omitempty" validate:"dive"`
	Routes               []Route       `json:"routes,omitempty" yaml:"routes,omitempty" validate:"dive"`
	Scopes               []string      `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	OptionalScopes       []string      `json:"optional-scopes,omitempty" yaml:"optional-scopes,omitempty"`
	Certificate          string        `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	ServiceRoles         []ServiceRole `json:"k8s-service-roles,omitempty" yaml:"k8s-service-roles,omitempty" validate:"dive"`
}

// ServiceRole splits a Kubernetes deployment into one Deployment per role
type ServiceRole struct {
	Name   string `json:"name" yaml:"name" validate:"required"`
	Env    string `json:"env,omitempty" yaml:"env,omitempty"`
	Expose bool   `json:"expose,omitempty" yaml:"expose,omitempty"`
}

// ProtocolOrDefault returns the manifest protocol, defaulting to http
func (m *Manifest) ProtocolOrDefault() string {
	if m.Protocol == "" {
		return "http"
	}
	return m.Protocol
}

// xmlManifest mirrors the info.xml layout
type xmlManifest struct {
	XMLName     xml.Name `xml:"info"`
	ID          string   `xml:"id"`
	Name        string   `xml:"name"`
	Version     string   `xml:"version"`
	ExternalApp struct {
		DockerInstall DockerInstall `xml:"docker-install"`
		Protocol      string        `xml:"protocol"`
		Port          int           `xml:"port"`
		SystemApp     bool          `xml:"system"`
		Env           []ManifestEnv `xml:"environment-variables>variable"`
		Mounts        []Mount       `xml:"mounts>mount"`
		Routes        []struct {
			URL                  string `xml:"url"`
			Verb                 string `xml:"verb"`
			AccessLevel          string `xml:"access_level"`
			HeadersToExclude     string `xml:"headers_to_exclude"`
			BruteforceProtection string `xml:"bruteforce_protection"`
		} `xml:"routes>route"`
		Scopes         []string `xml:"scopes>value"`
		OptionalScopes []string `xml:"optional-scopes>value"`
	} `xml:"external-app"`
}

// ParseManifest decodes a manifest; format is one of json, yaml or xml
func ParseManifest(data []byte, format string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse JSON manifest: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse YAML manifest: %w", err)
		}
	case "xml":
		parsed, err := parseXMLManifest(data)
		if err != nil {
			return nil, err
		}
		m = *parsed
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", format)
	}

	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads a manifest file, picking the format from its extension
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	return ParseManifest(data, format)
}

func parseXMLManifest(data []byte) (*Manifest, error) {
	var x xmlManifest
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("failed to parse XML manifest: %w", err)
	}

	m := &Manifest{
		ID:                   x.ID,
		Name:                 x.Name,
		Version:              x.Version,
		Protocol:             x.ExternalApp.Protocol,
		Port:                 x.ExternalApp.Port,
		SystemApp:            x.ExternalApp.SystemApp,
		DockerInstall:        x.ExternalApp.DockerInstall,
		EnvironmentVariables: x.ExternalApp.Env,
		Mounts:               x.ExternalApp.Mounts,
		Scopes:               x.ExternalApp.Scopes,
		OptionalScopes:       x.ExternalApp.OptionalScopes,
	}

	for _, r := range x.ExternalApp.Routes {
		level, err := ParseAccessLevel(r.AccessLevel)
		if err != nil {
			return nil, err
		}
		route := Route{URL: r.URL, Verb: r.Verb, AccessLevel: level}
		if r.HeadersToExclude != "" {
			if err := json.Unmarshal([]byte(r.HeadersToExclude), &route.HeadersToExclude); err != nil {
				return nil, fmt.Errorf("invalid headers_to_exclude for route %s: %w", r.URL, err)
			}
		}
		if r.BruteforceProtection != "" {
			if err := json.Unmarshal([]byte(r.BruteforceProtection), &route.BruteforceProtection); err != nil {
				return nil, fmt.Errorf("invalid bruteforce_protection for route %s: %w", r.URL, err)
			}
		}
		m.Routes = append(m.Routes, route)
	}

	return m, nil
}
