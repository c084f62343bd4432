package config

// TargetConfig is one host to resolve, either a plain string or a map from
// host to extra metric labels.
type TargetConfig struct {
	Host   string
	Labels map[string]string
}

// UnmarshalYAML implements yaml.Unmarshaler interface.
func (t *TargetConfig) UnmarshalYAML(unmashal func(interface{}) error) error {
	var s string
	if err := unmashal(&s); err == nil {
		t.Host = s
		return nil
	}

	var x map[string]map[string]string
	if err := unmashal(&x); err != nil {
		return err
	}

	for host, l := range x {
		t.Host = host
		t.Labels = l
	}

	return nil
}

func (t TargetConfig) MarshalYAML() (interface{}, error) {
	// If there are no labels, just return the host as a string
	if len(t.Labels) == 0 {
		return t.Host, nil
	}

	m := map[string]map[string]string{t.Host: t.Labels}

	return m, nil
}
