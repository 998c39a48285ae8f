package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_podlocator._tcp"
	mdnsDomain      = "local."
	maxLabel        = 63
)

// startMDNS advertises the read API so dashboards on the LAN can find it.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "podlocator"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("PodLocator Poller (%s)", hostname))
	txt := mdnsTXT(port, a.cfg.MetricsPort, sanitizeMDNSHost(hostname))

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(httpPort, metricsPort int, hostLabel string) []string {
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}
	txt := []string{
		fmt.Sprintf("http_port=%d", httpPort),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}
	if metricsPort > 0 {
		txt = append(txt, fmt.Sprintf("metrics_port=%d", metricsPort))
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "PodLocator Poller"
	}
	return truncateRunes(cleaned, maxLabel)
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "podlocator"
	}
	return truncateRunes(cleaned, maxLabel)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		return string(runes[:n])
	}
	return s
}
