package main

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed sensors.yaml
var sensorsYAML []byte

// DeviceInfo is the Home Assistant device block shared by every sensor
type DeviceInfo struct {
	Identifiers  []string `yaml:"identifiers" json:"identifiers"`
	Name         string   `yaml:"name" json:"name"`
	Model        string   `yaml:"model" json:"model,omitempty"`
	Manufacturer string   `yaml:"manufacturer" json:"manufacturer,omitempty"`
	SWVersion    string   `yaml:"sw_version" json:"sw_version,omitempty"`
}

// SensorMeta describes one published field to Home Assistant
type SensorMeta struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Unit        string `yaml:"unit"`
	Icon        string `yaml:"icon"`
	DeviceClass string `yaml:"device_class"`
	StateClass  string `yaml:"state_class"`
}

// Catalogue is the full set of discovery descriptors
type Catalogue struct {
	Device  DeviceInfo   `yaml:"device"`
	Sensors []SensorMeta `yaml:"sensors"`
}

// LoadCatalogue decodes the embedded sensor catalogue
func LoadCatalogue() (Catalogue, error) {
	return parseCatalogue(sensorsYAML)
}

func parseCatalogue(data []byte) (Catalogue, error) {
	var c Catalogue
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("sensor catalogue: %w", err)
	}
	if len(c.Device.Identifiers) == 0 {
		return c, errors.New("sensor catalogue: device identifiers missing")
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.Key == "" || s.Name == "" {
			return c, fmt.Errorf("sensor catalogue: entry %d needs key and name", i)
		}
		if seen[s.Key] {
			return c, fmt.Errorf("sensor catalogue: duplicate key %q", s.Key)
		}
		seen[s.Key] = true
	}
	return c, nil
}

type haEntityConfig struct {
	Name              string     `json:"name"`
	StateTopic        string     `json:"state_topic"`
	UniqueId          string     `json:"unique_id"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	AvailabilityTopic string     `json:"availability_topic"`
	UnitOfMeasure     string     `json:"unit_of_measurement,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
}

// discoveryMessage builds the config topic and payload for one sensor
func discoveryMessage(topics Topics, device DeviceInfo, sensor SensorMeta) (string, []byte, error) {
	uniqueId := "easun_" + sensor.Key

	config := haEntityConfig{
		Name:              "EASUN " + sensor.Name,
		StateTopic:        topics.Field(sensor.Key),
		UniqueId:          uniqueId,
		Device:            device,
		Icon:              sensor.Icon,
		AvailabilityTopic: topics.Status(),
		UnitOfMeasure:     sensor.Unit,
		DeviceClass:       sensor.DeviceClass,
		StateClass:        sensor.StateClass,
	}

	payload, err := json.Marshal(config)
	if err != nil {
		return "", nil, err
	}
	return topics.Discovery(uniqueId), payload, nil
}
