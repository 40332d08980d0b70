package gossip

import "github.com/palefire/troupnode/model"

// nodeInfoToWire and decodeNodeInfo round-trip a model.NodeInfo through
// the generic map shape a sync message's "node"/"known_nodes" fields
// carry, building the maps by hand with the same key names as
// model.NodeInfo's JSON tags (message.Message.Data is
// itself just interface{}, so the envelope doesn't care what shape its
// payload takes as long as both ends agree — here, the same JSON
// encoding message.Serialize already uses for the whole envelope).
func nodeInfoToWire(n model.NodeInfo) map[string]interface{} {
	return map[string]interface{}{
		"name":     n.Name,
		"endpoint": n.Endpoint,
		"hostname": n.Hostname,
		"stats":    statsToWire(n.Stats),
		"apps":     appsToWire(n.Apps),
		"extra":    n.Extra,
	}
}

func nodeInfoListToWire(nodes []model.NodeInfo) []map[string]interface{} {
	out := make([]map[string]interface{}, len(nodes))
	for i, n := range nodes {
		out[i] = nodeInfoToWire(n)
	}
	return out
}

func statsToWire(s model.SystemStats) map[string]interface{} {
	return map[string]interface{}{
		"cpu": map[string]interface{}{
			"usage":      s.CPU.Usage,
			"per_cpu":    s.CPU.PerCPU,
			"processors": s.CPU.Processors,
			"bogomips":   s.CPU.Bogomips,
		},
		"memory": map[string]interface{}{
			"total":     s.Memory.Total,
			"used":      s.Memory.Used,
			"available": s.Memory.Available,
		},
		"system": map[string]interface{}{
			"load":     []float64{s.System.Load[0], s.System.Load[1], s.System.Load[2]},
			"name":     s.System.Name,
			"platform": s.System.Platform,
		},
		"disk": map[string]interface{}{
			"ioload": s.Disk.IOLoad,
		},
	}
}

func appsToWire(apps []model.AppDescriptor) []map[string]interface{} {
	out := make([]map[string]interface{}, len(apps))
	for i, a := range apps {
		out[i] = map[string]interface{}{
			"name":        a.Name,
			"description": a.Description,
			"command":     a.Command,
			"params":      a.Params,
			"needs": map[string]interface{}{
				"cpu":     a.Needs.CPU,
				"memory":  a.Needs.Memory,
				"disk":    a.Needs.Disk,
				"network": a.Needs.Network,
			},
		}
	}
	return out
}

// decodeNodeInfo parses the loosely-typed map produced by
// json.Unmarshal (interface{} values: float64, string, []interface{},
// map[string]interface{}) back into a model.NodeInfo. Any field that
// doesn't decode cleanly is left at its zero value rather than failing
// the whole merge — a partially-known peer is still worth merging.
func decodeNodeInfo(raw interface{}) (model.NodeInfo, bool) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return model.NodeInfo{}, false
	}
	var n model.NodeInfo
	n.Name, _ = m["name"].(string)
	n.Endpoint, _ = m["endpoint"].(string)
	n.Hostname, _ = m["hostname"].(string)
	if n.Name == "" {
		return model.NodeInfo{}, false
	}
	if stats, ok := m["stats"].(map[string]interface{}); ok {
		n.Stats = decodeStats(stats)
	}
	if apps, ok := m["apps"].([]interface{}); ok {
		n.Apps = decodeApps(apps)
	}
	if extra, ok := m["extra"].(map[string]interface{}); ok {
		n.Extra = extra
	}
	return n, true
}

func decodeStats(m map[string]interface{}) model.SystemStats {
	var s model.SystemStats
	if cpu, ok := m["cpu"].(map[string]interface{}); ok {
		s.CPU.Usage, _ = cpu["usage"].(float64)
		s.CPU.Bogomips, _ = cpu["bogomips"].(float64)
		if processors, ok := cpu["processors"].(float64); ok {
			s.CPU.Processors = int(processors)
		}
		if per, ok := cpu["per_cpu"].([]interface{}); ok {
			s.CPU.PerCPU = make([]float64, len(per))
			for i, v := range per {
				s.CPU.PerCPU[i], _ = v.(float64)
			}
		}
	}
	if mem, ok := m["memory"].(map[string]interface{}); ok {
		s.Memory.Total = toUint64(mem["total"])
		s.Memory.Used = toUint64(mem["used"])
		s.Memory.Available = toUint64(mem["available"])
	}
	if sys, ok := m["system"].(map[string]interface{}); ok {
		s.System.Name, _ = sys["name"].(string)
		s.System.Platform, _ = sys["platform"].(string)
		if load, ok := sys["load"].([]interface{}); ok {
			for i := 0; i < 3 && i < len(load); i++ {
				s.System.Load[i], _ = load[i].(float64)
			}
		}
	}
	if disk, ok := m["disk"].(map[string]interface{}); ok {
		s.Disk.IOLoad, _ = disk["ioload"].(float64)
	}
	return s
}

func decodeApps(raw []interface{}) []model.AppDescriptor {
	out := make([]model.AppDescriptor, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var a model.AppDescriptor
		a.Name, _ = m["name"].(string)
		a.Description, _ = m["description"].(string)
		a.Command, _ = m["command"].(string)
		if params, ok := m["params"].(map[string]interface{}); ok {
			a.Params = make(map[string]string, len(params))
			for k, v := range params {
				a.Params[k], _ = v.(string)
			}
		}
		if needs, ok := m["needs"].(map[string]interface{}); ok {
			a.Needs.CPU, _ = needs["cpu"].(float64)
			a.Needs.Memory, _ = needs["memory"].(float64)
			a.Needs.Disk, _ = needs["disk"].(float64)
			a.Needs.Network, _ = needs["network"].(float64)
		}
		out = append(out, a)
	}
	return out
}

func toUint64(v interface{}) uint64 {
	f, _ := v.(float64)
	if f < 0 {
		return 0
	}
	return uint64(f)
}
