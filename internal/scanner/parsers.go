package scanner

import (
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"

	"github.com/jamesruggles/aegis/internal/model"
)

// --- Nmap normal output ---

var nmapPortLine = regexp.MustCompile(`^(\d+)/(tcp|udp|sctp)\s+(\S+)\s+(\S+)(?:\s+(.+))?$`)

// parseNmapOutput extracts open ports from nmap output. XML output (-oX -)
// is detected and decoded; anything else is read as normal output.
func parseNmapOutput(raw string) ([]model.Service, []model.Finding) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "<?xml") || strings.HasPrefix(trimmed, "<nmaprun") {
		return parseNmapXML(trimmed)
	}

	services := []model.Service{}
	for _, line := range strings.Split(raw, "\n") {
		m := nmapPortLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil || m[3] != "open" {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		services = append(services, model.Service{
			Port:     port,
			Protocol: m[2],
			State:    m[3],
			Name:     m[4],
			Version:  strings.TrimSpace(m[5]),
		})
	}
	return services, nil
}

// --- Nmap XML output ---

type nmapRun struct {
	XMLName xml.Name   `xml:"nmaprun"`
	Hosts   []nmapHost `xml:"host"`
}

type nmapHost struct {
	Addresses []nmapAddress  `xml:"address"`
	Hostnames []nmapHostname `xml:"hostnames>hostname"`
	Ports     nmapPorts      `xml:"ports"`
	OS        nmapOS         `xml:"os"`
}

type nmapAddress struct {
	Addr     string `xml:"addr,attr"`
	AddrType string `xml:"addrtype,attr"`
}

type nmapHostname struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

type nmapPorts struct {
	Ports []nmapPort `xml:"port"`
}

type nmapPort struct {
	Protocol string      `xml:"protocol,attr"`
	PortID   string      `xml:"portid,attr"`
	State    nmapState   `xml:"state"`
	Service  nmapService `xml:"service"`
}

type nmapState struct {
	State  string `xml:"state,attr"`
	Reason string `xml:"reason,attr"`
}

type nmapService struct {
	Name    string `xml:"name,attr"`
	Product string `xml:"product,attr"`
	Version string `xml:"version,attr"`
}

type nmapOS struct {
	OSMatches []nmapOSMatch `xml:"osmatch"`
}

type nmapOSMatch struct {
	Name     string `xml:"name,attr"`
	Accuracy string `xml:"accuracy,attr"`
}

func parseNmapXML(raw string) ([]model.Service, []model.Finding) {
	services := []model.Service{}

	var run nmapRun
	if err := xml.Unmarshal([]byte(raw), &run); err != nil {
		return services, nil
	}

	var findings []model.Finding
	for _, host := range run.Hosts {
		addr := ""
		for _, a := range host.Addresses {
			if a.AddrType == "ipv4" || a.AddrType == "ipv6" {
				addr = a.Addr
				break
			}
		}

		for _, port := range host.Ports.Ports {
			if port.State.State != "open" {
				continue
			}
			n, err := strconv.Atoi(port.PortID)
			if err != nil {
				continue
			}
			version := strings.TrimSpace(port.Service.Product + " " + port.Service.Version)
			services = append(services, model.Service{
				Port:     n,
				Protocol: port.Protocol,
				State:    port.State.State,
				Name:     port.Service.Name,
				Version:  version,
			})
		}

		for _, osMatch := range host.OS.OSMatches {
			findings = append(findings, model.Finding{
				Category:    "os",
				Severity:    model.SeverityInfo,
				Description: osMatch.Name + " (accuracy " + osMatch.Accuracy + "%)",
				Location:    addr,
			})
		}
	}

	return services, findings
}
