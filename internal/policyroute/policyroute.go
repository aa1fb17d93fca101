package policyroute

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"routerctl/internal/metadata"
)

const DefaultTablesPath = "/etc/iproute2/rt_tables"

// Netlink is the slice of the netlink API the configurator uses; the real
// implementation is process-global kernel state, so tests inject a fake.
type Netlink interface {
	LinkIndexByIP(ip string) (int, error)
	RouteAdd(route *netlink.Route) error
	RuleAdd(rule *netlink.Rule) error
	RouteListTable(table int) ([]netlink.Route, error)
	RuleList() ([]netlink.Rule, error)
}

// Configurator sets up the secondary routing table so replies entering the
// app-side NIC leave through it again instead of the default route on NIC0.
type Configurator struct {
	NL         Netlink
	TablesPath string
	TableID    int
	TableName  string
	Log        *logrus.Logger
}

func New(nl Netlink, tableID int, tableName string, log *logrus.Logger) *Configurator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Configurator{NL: nl, TablesPath: DefaultTablesPath, TableID: tableID, TableName: tableName, Log: log}
}

// Apply registers the table and installs routes and rules for the app NIC.
// Every addition tolerates EEXIST so reruns are clean.
func (c *Configurator) Apply(nic metadata.NIC, appSubnetCIDR string, appCIDRs []string) error {
	if err := c.EnsureTable(); err != nil {
		return err
	}

	index, err := c.NL.LinkIndexByIP(nic.IP)
	if err != nil {
		return fmt.Errorf("locate app NIC %s: %w", nic.IP, err)
	}

	subnet, err := netlink.ParseIPNet(appSubnetCIDR)
	if err != nil {
		return fmt.Errorf("app subnet %q: %w", appSubnetCIDR, err)
	}
	gw := net.ParseIP(nic.Gateway)
	if gw == nil {
		return fmt.Errorf("bad gateway %q", nic.Gateway)
	}

	routes := []*netlink.Route{
		{LinkIndex: index, Dst: subnet, Scope: netlink.SCOPE_LINK, Table: c.TableID},
		{LinkIndex: index, Gw: gw, Table: c.TableID},
	}
	for _, r := range routes {
		if err := c.addRoute(r); err != nil {
			return err
		}
	}

	rules := []*netlink.Rule{
		c.rule(func(r *netlink.Rule) { r.Src = hostNet(nic.IP) }),
		c.rule(func(r *netlink.Rule) { r.Dst = hostNet(nic.IP) }),
	}
	for _, cidr := range appCIDRs {
		dst, err := netlink.ParseIPNet(cidr)
		if err != nil {
			return fmt.Errorf("app CIDR %q: %w", cidr, err)
		}
		rules = append(rules, c.rule(func(r *netlink.Rule) { r.Dst = dst }))
	}
	for _, r := range rules {
		if err := c.addRule(r); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTable appends "<id> <name>" to rt_tables unless some line already
// registers the name.
func (c *Configurator) EnsureTable() error {
	data, err := os.ReadFile(c.TablesPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && !strings.HasPrefix(fields[0], "#") && fields[1] == c.TableName {
			return nil
		}
	}
	entry := strconv.Itoa(c.TableID) + "\t" + c.TableName + "\n"
	f, err := os.OpenFile(c.TablesPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("register table %s: %w", c.TableName, err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("register table %s: %w", c.TableName, err)
	}
	c.Log.WithField("table", c.TableName).Info("registered routing table")
	return nil
}

func (c *Configurator) addRoute(r *netlink.Route) error {
	if err := c.NL.RouteAdd(r); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("add route %v: %w", r, err)
	}
	return nil
}

func (c *Configurator) addRule(r *netlink.Rule) error {
	if err := c.NL.RuleAdd(r); err != nil && !errors.Is(err, os.ErrExist) {
		return fmt.Errorf("add rule %v: %w", r, err)
	}
	return nil
}

func (c *Configurator) rule(set func(*netlink.Rule)) *netlink.Rule {
	r := netlink.NewRule()
	r.Table = c.TableID
	set(r)
	return r
}

// HasDefaultRoute reports whether the custom table carries a default route,
// used by the doctor as a cheap "policy routing applied" signal.
func (c *Configurator) HasDefaultRoute() (bool, error) {
	routes, err := c.NL.RouteListTable(c.TableID)
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		if r.Dst == nil && r.Gw != nil {
			return true, nil
		}
	}
	return false, nil
}

func hostNet(ip string) *net.IPNet {
	return &net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(32, 32)}
}

// kernelNetlink is the real implementation backed by the netlink socket.
type kernelNetlink struct{}

func Kernel() Netlink { return kernelNetlink{} }

func (kernelNetlink) LinkIndexByIP(ip string) (int, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return 0, err
	}
	for _, link := range links {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return 0, err
		}
		for _, addr := range addrs {
			if addr.IP.String() == ip {
				return link.Attrs().Index, nil
			}
		}
	}
	return 0, fmt.Errorf("no link carries %s", ip)
}

func (kernelNetlink) RouteAdd(route *netlink.Route) error { return netlink.RouteAdd(route) }
func (kernelNetlink) RuleAdd(rule *netlink.Rule) error    { return netlink.RuleAdd(rule) }

func (kernelNetlink) RouteListTable(table int) ([]netlink.Route, error) {
	return netlink.RouteListFiltered(netlink.FAMILY_V4, &netlink.Route{Table: table}, netlink.RT_FILTER_TABLE)
}

func (kernelNetlink) RuleList() ([]netlink.Rule, error) {
	return netlink.RuleList(netlink.FAMILY_V4)
}
