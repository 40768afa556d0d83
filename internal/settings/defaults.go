// ABOUTME: Built-in default tabs and descriptors for a freshly started server
// ABOUTME: Persisted files are merged over these at startup

package settings

// DefaultTabNames are the tabs present before any persisted data is loaded.
var DefaultTabNames = []string{"Default", "Link 1", "Link 2"}

// DefaultMeta returns the descriptor set shared by the built-in tabs.
func DefaultMeta() Meta {
	return Meta{
		CategoryRFLink: {
			"rxFrequency": Text(),
			"txFrequency": Text(),
			"powerOutput": Range(0, 10, "W"),
			"bandwidth":   Select("12.5 kHz", "25 kHz", "50 kHz"),
		},
		CategoryLoaderFilter: {
			"rxFilterMode": Select("FSK", "ASK", "PSK"),
			"txFilterMode": Select("FSK", "ASK", "PSK"),
		},
		CategoryLoaderSettings: {
			"enable600OhmInput": Checkbox(),
			"squelchMute":       Checkbox(),
			"invertedPTT":       Checkbox(),
			"rxOnly":            Checkbox(),
			"invertedCD":        Checkbox(),
			"dynamicThreshold":  Range(-100, 0, "dBm"),
		},
	}
}

// DefaultTabs returns the built-in tabs in display order. Only "Default"
// carries values; the link tabs start with descriptors and no values.
func DefaultTabs() ([]string, map[string]Tab) {
	tabs := make(map[string]Tab, len(DefaultTabNames))
	for _, name := range DefaultTabNames {
		t := NewTab()
		t.SettingMeta = DefaultMeta()
		tabs[name] = t
	}

	def := tabs["Default"]
	def.Settings[CategoryRFLink] = map[string]Value{
		"rxFrequency": String("15236.4"),
		"txFrequency": String("156.4"),
		"powerOutput": String("1"),
		"bandwidth":   String("12.5 kHz"),
	}
	def.Settings[CategoryLoaderFilter] = map[string]Value{
		"rxFilterMode": String("FSK"),
		"txFilterMode": String("FSK"),
	}
	def.Settings[CategoryLoaderSettings] = map[string]Value{
		"enable600OhmInput": Bool(false),
		"squelchMute":       Bool(false),
		"invertedPTT":       Bool(false),
		"rxOnly":            Bool(false),
		"invertedCD":        Bool(false),
		"dynamicThreshold":  Number(-50),
	}

	order := make([]string, len(DefaultTabNames))
	copy(order, DefaultTabNames)
	return order, tabs
}
