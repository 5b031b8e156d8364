package geo

import "strings"

// Item categories.
const (
	CategoryConflict    = "Conflict"
	CategoryTerrorism   = "Terrorism"
	CategoryCyber       = "Cyber"
	CategoryDisaster    = "Disaster"
	CategoryHealth      = "Health"
	CategoryPolitics    = "Politics"
	CategoryEconomy     = "Economy"
	CategoryCrime       = "Crime"
	CategoryEnvironment = "Environment"
	CategoryScience     = "Science"
	CategoryOther       = "Other"
)

// categoryLabels lists, per category, the normalized labels models and
// feeds use for it.
var categoryLabels = map[string][]string{
	CategoryConflict:    {"conflict", "war", "military", "armed conflict", "defense", "defence"},
	CategoryTerrorism:   {"terrorism", "terror", "extremism"},
	CategoryCyber:       {"cyber", "cybersecurity", "cyber security", "technology", "tech"},
	CategoryDisaster:    {"disaster", "natural disaster", "accident", "weather"},
	CategoryHealth:      {"health", "epidemic", "pandemic", "public health"},
	CategoryPolitics:    {"politics", "political", "diplomacy", "elections", "election", "government"},
	CategoryEconomy:     {"economy", "economics", "business", "finance", "markets", "trade", "energy"},
	CategoryCrime:       {"crime", "law", "justice"},
	CategoryEnvironment: {"environment", "climate"},
	CategoryScience:     {"science", "space", "research"},
	CategoryOther:       {"other", "general", "world"},
}

var categoryAliases = func() map[string]string {
	m := map[string]string{}
	for cat, labels := range categoryLabels {
		for _, l := range labels {
			m[l] = cat
		}
	}
	return m
}()

// NormalizeCategory maps a free-form label onto a known category, or Other.
func NormalizeCategory(label string) string {
	k := normalizeKey(label)
	if c, ok := categoryAliases[k]; ok {
		return c
	}
	// "Politics & Diplomacy", "Cyber attacks": try each word.
	for _, w := range strings.Fields(k) {
		if c, ok := categoryAliases[w]; ok {
			return c
		}
	}
	return CategoryOther
}

type categoryRule struct {
	category string
	keywords []string
}

// categoryRules is evaluated top to bottom; the first rule with a keyword in
// the text decides. Keywords are matched on word boundaries after
// normalization, so multi-word keywords are allowed.
var categoryRules = []categoryRule{
	{CategoryTerrorism, []string{"terrorist", "terrorism", "suicide bomber", "suicide bombing", "jihadist", "isis", "al qaeda", "extremist"}},
	{CategoryConflict, []string{"airstrike", "airstrikes", "missile", "missiles", "drone strike", "shelling", "artillery", "troops", "offensive", "ceasefire", "invasion", "frontline", "front line", "war", "militants", "military", "clashes", "rebels"}},
	{CategoryCyber, []string{"cyberattack", "cyber attack", "ransomware", "malware", "hackers", "hacked", "data breach", "phishing", "ddos", "vulnerability", "zero day"}},
	{CategoryDisaster, []string{"earthquake", "tsunami", "hurricane", "typhoon", "cyclone", "flood", "floods", "flooding", "wildfire", "landslide", "eruption", "volcano", "tornado", "drought", "explosion", "derailment", "plane crash"}},
	{CategoryHealth, []string{"outbreak", "epidemic", "pandemic", "cholera", "ebola", "mpox", "measles", "virus", "vaccine", "world health organization"}},
	{CategoryCrime, []string{"murder", "shooting", "arrested", "kidnapping", "cartel", "smuggling", "trafficking", "fraud", "gang"}},
	{CategoryPolitics, []string{"election", "elections", "president", "prime minister", "parliament", "sanctions", "protest", "protests", "coup", "diplomatic", "summit", "minister", "government"}},
	{CategoryEconomy, []string{"inflation", "gdp", "economy", "economic", "stocks", "market", "markets", "tariff", "tariffs", "oil prices", "central bank", "recession", "trade"}},
	{CategoryEnvironment, []string{"climate", "emissions", "pollution", "deforestation", "biodiversity", "heatwave"}},
	{CategoryScience, []string{"scientists", "research", "nasa", "satellite", "space station", "telescope"}},
}

// InferCategory classifies text by keyword. It never fails: unmatched text
// is Other.
func InferCategory(text string) string {
	t := " " + normalizeKey(text) + " "
	for _, r := range categoryRules {
		for _, kw := range r.keywords {
			if strings.Contains(t, " "+kw+" ") {
				return r.category
			}
		}
	}
	return CategoryOther
}
