package instance

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
	"github.com/remotelabz/remotelabz-worker-sub000/internal/network"
)

// internetPlan lists the host resources that make up a lab's internet access,
// in creation order.
type internetPlan struct {
	rules  []network.Resource
	routes []network.Resource
	nat    network.Resource
}

func (m *Manager) internetPlan() internetPlan {
	lookup := "lookup " + strconv.Itoa(m.cfg.RoutingTable)
	uplink := m.cfg.UplinkBridge
	return internetPlan{
		rules: []network.Resource{
			m.host.PolicyRule("from "+m.cfg.LabCIDR, lookup),
			m.host.PolicyRule("to "+m.cfg.LabCIDR, lookup),
		},
		routes: []network.Resource{
			m.host.Route(m.cfg.DataCIDR+" dev "+uplink, m.cfg.RoutingTable),
			m.host.Route("default via "+m.cfg.UplinkGateway, m.cfg.RoutingTable),
		},
		nat: m.host.FirewallRule(network.TableNAT, network.ChainPostrouting, network.Rule{
			Source:       m.cfg.LabCIDR,
			OutInterface: uplink,
			Jump:         "MASQUERADE",
		}),
	}
}

// ConnectToInternet brings the uplink up, patches the lab bridge to it and
// installs policy routing plus NAT for the lab range. Every step is probed
// first, so repeating the call changes nothing.
func (m *Manager) ConnectToInternet(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedBridge)
	if err != nil {
		return Result{}, err
	}
	if m.cfg.UplinkGateway == "" {
		return Result{}, ErrUplinkGateway
	}
	logger := m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "bridge": lab.BridgeName})

	if err := m.host.IP.LinkSet(ctx, m.cfg.UplinkBridge, network.LinkUp); err != nil {
		return Result{}, fmt.Errorf("bring uplink %s up: %w", m.cfg.UplinkBridge, err)
	}
	if err := m.host.OVS.LinkTwoSwitches(ctx, lab.BridgeName, m.cfg.UplinkBridge); err != nil {
		return Result{}, fmt.Errorf("link %s to uplink: %w", lab.BridgeName, err)
	}
	plan := m.internetPlan()
	steps := append(append(append([]network.Resource{}, plan.rules...), plan.routes...), plan.nat)
	for _, r := range steps {
		if err := m.reconcile(ctx, r, network.Present); err != nil {
			return Result{}, fmt.Errorf("connect %s: %w", lab.BridgeName, err)
		}
	}
	logger.Info("lab connected to internet")
	return Result{State: models.StateStarted}, nil
}

// DisconnectFromInternet unlinks the bridges first, then removes whatever
// rules, routes and NAT entries are still present.
func (m *Manager) DisconnectFromInternet(ctx context.Context, descriptor []byte, id string) (Result, error) {
	lab, err := models.ParseLab(descriptor, models.NeedBridge)
	if err != nil {
		return Result{}, err
	}
	if err := m.host.OVS.UnlinkTwoSwitches(ctx, lab.BridgeName, m.cfg.UplinkBridge); err != nil {
		return Result{}, fmt.Errorf("unlink %s from uplink: %w", lab.BridgeName, err)
	}
	plan := m.internetPlan()
	steps := append(append([]network.Resource{}, plan.rules...), plan.routes...)
	if m.cfg.UplinkGateway == "" {
		steps = steps[:len(plan.rules)+1]
	}
	steps = append(steps, plan.nat)
	for _, r := range steps {
		if err := m.reconcile(ctx, r, network.Absent); err != nil {
			return Result{}, fmt.Errorf("disconnect %s: %w", lab.BridgeName, err)
		}
	}
	m.logger.WithFields(logrus.Fields{"lab": lab.UUID, "bridge": lab.BridgeName}).Info("lab disconnected from internet")
	return Result{State: models.StateStopped}, nil
}
