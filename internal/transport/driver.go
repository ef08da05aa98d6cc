package transport

import "regexp"

// driverProfile describes how the shell adapter talks to one vendor OS:
// what the CLI prompt looks like, how to turn off output paging, and which
// banners mean the device rejected a command.
type driverProfile struct {
	prompt   *regexp.Regexp
	pagerOff []string
	errors   []*regexp.Regexp
}

var driverProfiles = map[string]driverProfile{
	"cisco_ios": {
		prompt:   regexp.MustCompile(`(?m)^[\w.\-@/:]+[>#]\s?$`),
		pagerOff: []string{"terminal length 0", "terminal width 511"},
		errors: []*regexp.Regexp{
			regexp.MustCompile(`% ?Invalid input detected`),
			regexp.MustCompile(`% ?Incomplete command`),
			regexp.MustCompile(`% ?Ambiguous command`),
			regexp.MustCompile(`% ?Bad (?:IP address|mask)`),
		},
	},
	"cisco_nxos": {
		prompt:   regexp.MustCompile(`(?m)^[\w.\-@/:]+[>#]\s?$`),
		pagerOff: []string{"terminal length 0"},
		errors: []*regexp.Regexp{
			regexp.MustCompile(`% ?Invalid command`),
			regexp.MustCompile(`% ?Incomplete command`),
			regexp.MustCompile(`% ?Permission denied`),
		},
	},
	"arista_eos": {
		prompt:   regexp.MustCompile(`(?m)^[\w.\-@/:]+[>#]\s?$`),
		pagerOff: []string{"terminal length 0", "terminal width 32767"},
		errors: []*regexp.Regexp{
			regexp.MustCompile(`% ?Invalid input`),
			regexp.MustCompile(`% ?Incomplete command`),
		},
	},
	"juniper_junos": {
		prompt:   regexp.MustCompile(`(?m)^[\w.\-@]+[%>#]\s?$`),
		pagerOff: []string{"set cli screen-length 0", "set cli screen-width 511"},
		errors: []*regexp.Regexp{
			regexp.MustCompile(`(?m)^(?:unknown command|syntax error)`),
			regexp.MustCompile(`(?m)^error:`),
		},
	},
	"linux": {
		prompt:   regexp.MustCompile(`(?m)^[^\n]*[$#]\s?$`),
		pagerOff: nil,
		errors:   nil,
	},
}

// profileFor returns the driver profile for a vendor key, falling back to a
// generic prompt when the driver is unknown so bare servers still work.
func profileFor(driver string) driverProfile {
	if p, ok := driverProfiles[driver]; ok {
		return p
	}
	return driverProfile{prompt: regexp.MustCompile(`(?m)^[^\n]*[$#>%]\s?$`)}
}

// DriverNames lists the vendor keys the shell adapter knows natively.
func DriverNames() []string {
	names := make([]string, 0, len(driverProfiles))
	for n := range driverProfiles {
		names = append(names, n)
	}
	return names
}
