package cli

import (
	"github.com/gezibash/mycelium/pkg/functionality"
)

// Providers renders one row per offered functionality.
func (o *Output) Providers(manifests []functionality.Manifest) *Table {
	t := o.Table("providers", "Provider", "Functionality", "Kind", "Input", "Output").
		MaxWidth(DefaultColumnWidth)
	for _, m := range manifests {
		if len(m.Functionalities) == 0 {
			t.AddRow(m.ProviderName, "-", "-", "-", "-")
			continue
		}
		for _, d := range m.Functionalities {
			in := d.InputType
			if in == "" {
				in = "-"
			}
			t.AddRow(m.ProviderName, d.Name, string(d.Kind), in, d.OutputType)
		}
	}
	return t
}

// Consumers renders one row per consumer advertisement.
func (o *Output) Consumers(ads []functionality.Advertisement) *Table {
	t := o.Table("consumers", "Consumer", "Functionality", "Kind", "Output").
		MaxWidth(DefaultColumnWidth)
	for _, a := range ads {
		d := a.RequestedFunctionality
		t.AddRow(a.ConsumerID, d.Name, string(d.Kind), d.OutputType)
	}
	return t
}
