package aggregate

import "strings"

// Methodology is the threat-categorization scheme selected by a game mode.
type Methodology struct {
	Name       string
	categories map[string]string
}

var methodologies = []struct {
	modes  []string
	scheme Methodology
}{
	{
		modes: []string{"eop", "elevation of privilege", "stride"},
		scheme: Methodology{
			Name: "STRIDE",
			categories: map[string]string{
				"S": "Spoofing",
				"T": "Tampering",
				"R": "Repudiation",
				"I": "Information disclosure",
				"D": "Denial of service",
				"E": "Elevation of privilege",
			},
		},
	},
	{
		modes: []string{"cornucopia"},
		scheme: Methodology{
			Name: "Cornucopia",
			categories: map[string]string{
				"D": "Data validation and encoding",
				"A": "Authentication",
				"S": "Session management",
				"Z": "Authorization",
				"C": "Cryptography",
				"O": "Cornucopia",
			},
		},
	},
	{
		modes: []string{"cumulus"},
		scheme: Methodology{
			Name: "Cumulus",
			categories: map[string]string{
				"A": "Access and secrets",
				"D": "Delivery",
				"R": "Recovery",
				"M": "Monitoring",
				"S": "Resources",
				"C": "Cumulus",
			},
		},
	},
}

// MethodologyFor maps a game mode to its methodology. Unknown modes return
// nil; callers then keep the raw suit code as the category.
func MethodologyFor(gameMode string) *Methodology {
	mode := strings.ToLower(strings.TrimSpace(gameMode))
	for i := range methodologies {
		for _, m := range methodologies[i].modes {
			if mode == m {
				return &methodologies[i].scheme
			}
		}
	}
	return nil
}

// Category resolves a card-suit code to its display name. Codes outside the
// scheme pass through unchanged so house-rule decks still export something
// readable.
func (m *Methodology) Category(suit string) string {
	if m == nil {
		return suit
	}
	if name, ok := m.categories[strings.ToUpper(strings.TrimSpace(suit))]; ok {
		return name
	}
	return suit
}
