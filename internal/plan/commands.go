package plan

import "fmt"

// WipeCommands returns the commands that clear the disk before
// partitioning. Old ZFS member partitions must have their labels cleared
// explicitly first: a generic signature wipe does not remove ZFS labels,
// and a stale label makes the new pools refuse the device.
func WipeCommands(disk string, zfsMembers []string) [][]string {
	var cmds [][]string
	for _, dev := range zfsMembers {
		cmds = append(cmds, []string{"zpool", "labelclear", "-f", dev})
	}
	cmds = append(cmds,
		[]string{"wipefs", "-af", disk},
		[]string{"sgdisk", "--zap-all", disk},
	)
	return cmds
}

// CreateCommands returns the sgdisk invocations that realize the layout,
// one partition per command, in index order.
func CreateCommands(l Layout) [][]string {
	tailMiB := l.FreeTailMiB
	// Walk backwards to know how much tail space each front partition
	// must leave: only the root pool has SizeMiB == 0, so its end is
	// expressed as a negative offset covering staging plus free tail.
	reserved := make([]int64, len(l.Partitions))
	var acc int64 = tailMiB
	for i := len(l.Partitions) - 1; i >= 0; i-- {
		reserved[i] = acc
		acc += l.Partitions[i].SizeMiB
	}

	var cmds [][]string
	for i, p := range l.Partitions {
		var span string
		switch {
		case p.Role == RoleStaging && tailMiB > 0:
			// Staging is end-anchored: it starts where the root pool
			// stops and ends at the reserved tail, so it keeps exactly
			// its planned size. The root pool absorbs all slack.
			span = fmt.Sprintf("%d:0:-%dM", p.Index, tailMiB)
		case p.Role == RoleStaging:
			span = fmt.Sprintf("%d:0:0", p.Index)
		case p.SizeMiB > 0 && p.Index == 1:
			span = fmt.Sprintf("%d:%dM:+%dM", p.Index, alignStartMiB, p.SizeMiB)
		case p.SizeMiB > 0:
			span = fmt.Sprintf("%d:0:+%dM", p.Index, p.SizeMiB)
		case reserved[i] > 0:
			span = fmt.Sprintf("%d:0:-%dM", p.Index, reserved[i])
		default:
			span = fmt.Sprintf("%d:0:0", p.Index)
		}
		cmds = append(cmds, []string{
			"sgdisk",
			"-n", span,
			"-t", fmt.Sprintf("%d:%s", p.Index, p.TypeCode),
			"-c", fmt.Sprintf("%d:%s", p.Index, p.Label),
			l.Disk,
		})
	}
	cmds = append(cmds, []string{"partprobe", l.Disk})
	return cmds
}

// ReclaimCommands returns the commands that delete the staging partition
// and grow the root pool partition over the freed space. The root pool
// index comes from the live layout, never a constant, because swap shifts
// it. The caller must follow up with `zpool online -e` or the pool keeps
// its old capacity.
func ReclaimCommands(l Layout) [][]string {
	staging := l.Index(RoleStaging)
	root := l.Index(RoleRootPool)
	end := "0" // 100% of the disk
	if l.FreeTailMiB > 0 {
		end = fmt.Sprintf("-%dM", l.FreeTailMiB)
	}
	return [][]string{
		{"sgdisk", "-d", fmt.Sprintf("%d", staging), l.Disk},
		// Delete and recreate at the same start sector: sgdisk cannot
		// resize in place, and the data begins at the old start.
		{"sgdisk", "-d", fmt.Sprintf("%d", root),
			"-n", fmt.Sprintf("%d:0:%s", root, end),
			"-t", fmt.Sprintf("%d:%s", root, typeSolaris),
			"-c", fmt.Sprintf("%d:%s", root, labelFor(l, RoleRootPool)),
			l.Disk},
		{"partprobe", l.Disk},
	}
}

func labelFor(l Layout, r Role) string {
	for _, p := range l.Partitions {
		if p.Role == r {
			return p.Label
		}
	}
	return ""
}
