package microscope

import (
	"fmt"
	"os"
	"strings"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/devices"
	"gopkg.in/yaml.v3"
)

// DeviceSpec описывает одно устройство в файле конфигурации.
type DeviceSpec struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Port      string            `yaml:"port,omitempty"`       // Только для хабов
	Hub       string            `yaml:"hub,omitempty"`        // Имя хаба для подвижек и затворов
	Channel   int               `yaml:"channel,omitempty"`    // Канал пьезоконтроллера; -1 — одноканальный
	Baud      int               `yaml:"baud,omitempty"`       // 0 — SERIAL_BAUD
	TimeoutMs int               `yaml:"timeout_ms,omitempty"` // 0 — SERIAL_TIMEOUT_MS
	Options   map[string]string `yaml:"options,omitempty"`
}

// Manifest — список устройств в порядке создания.
type Manifest struct {
	Devices []DeviceSpec `yaml:"devices"`
}

// LoadManifest читает и проверяет файл конфигурации устройств.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest разбирает YAML-описание устройств и проверяет его.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, merrors.New(merrors.KindInvalidArgument, "parse manifest", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate проверяет, что имена уникальны, виды известны, у хабов указан
// порт, а подвижки ссылаются на объявленный ранее хаб своего семейства.
func (m *Manifest) Validate() error {
	const op = "validate manifest"
	seen := make(map[string]string, len(m.Devices))
	for i, d := range m.Devices {
		if d.Name == "" {
			return merrors.Newf(merrors.KindInvalidArgument, op, "device #%d has no name", i+1)
		}
		if _, dup := seen[d.Name]; dup {
			return merrors.Newf(merrors.KindInvalidArgument, op, "duplicate device name %q", d.Name)
		}
		if !devices.IsKnownKind(d.Kind) {
			return merrors.Newf(merrors.KindInvalidArgument, op, "device %q: unknown kind %q", d.Name, d.Kind)
		}
		if devices.IsHubKind(d.Kind) && d.Port == "" {
			return merrors.Newf(merrors.KindPortNotConfigured, op, "hub %q has no port", d.Name)
		}
		if devices.NeedsHub(d.Kind) {
			hubKind, ok := seen[d.Hub]
			if d.Hub == "" || !ok {
				return merrors.Newf(merrors.KindInvalidArgument, op, "device %q: hub %q is not declared before it", d.Name, d.Hub)
			}
			if !devices.IsHubKind(hubKind) || family(hubKind) != family(d.Kind) {
				return merrors.Newf(merrors.KindInvalidArgument, op, "device %q of kind %s cannot use %s %q", d.Name, d.Kind, hubKind, d.Hub)
			}
		}
		seen[d.Name] = d.Kind
	}
	return nil
}

// NeedsMCL сообщает, есть ли в списке устройства Mad City Labs.
func (m *Manifest) NeedsMCL() bool {
	for _, d := range m.Devices {
		if family(d.Kind) == "mcl" {
			return true
		}
	}
	return false
}

func family(kind string) string {
	f, _, _ := strings.Cut(kind, "-")
	return f
}
