package at

import "strings"

// Modem describes one device family: how to recognize it from ATI output
// and how to drive it.
type Modem struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	DetectString string `yaml:"detectString"` // substring of the ATI reply
	InitString   string `yaml:"initString"`   // sent after the common init
	Keepalive    string `yaml:"keepaliveCmd"` // empty disables keepalive
	NeedSleep    bool   `yaml:"needSleep"`    // pause before the first AT
	NoPin        bool   `yaml:"noPin"`        // device has no SIM pin
	BrokenCNMA   bool   `yaml:"brokenCnma"`   // never acknowledges phase 2+
}

// builtinModems are the devices the driver knows out of the box; the
// configuration may add more. Generic must stay last, it matches
// everything.
var builtinModems = []Modem{
	{
		ID:           "wavecom",
		Name:         "Wavecom",
		DetectString: "WAVECOM",
		InitString:   "AT+CMEE=1",
		Keepalive:    "AT+CSQ",
	},
	{
		ID:           "siemens-tc35",
		Name:         "Siemens TC35",
		DetectString: "TC35",
		InitString:   "AT+CNMI=1,2,0,0,0",
		Keepalive:    "AT+CBC",
		NeedSleep:    true,
	},
	{
		ID:           "falcom",
		Name:         "Falcom",
		DetectString: "Falcom",
		Keepalive:    "AT",
	},
	{
		ID:           "nokiaphone",
		Name:         "Nokia phone",
		DetectString: "Nokia Mobile Phones",
		Keepalive:    "AT",
		BrokenCNMA:   true,
	},
	{
		ID:        "generic",
		Name:      "Generic modem",
		Keepalive: "AT",
	},
}

// findModem matches the ATI reply against the database; the generic
// entry is the fallback.
func findModem(extra []Modem, id, atiReply string) *Modem {
	db := append(append([]Modem{}, extra...), builtinModems...)
	if id != "" && id != "auto" && id != "autodetect" {
		for i := range db {
			if db[i].ID == id {
				return &db[i]
			}
		}
	}
	for i := range db {
		if db[i].DetectString != "" && strings.Contains(atiReply, db[i].DetectString) {
			return &db[i]
		}
	}
	return &db[len(db)-1]
}
