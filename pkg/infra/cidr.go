package infra

import (
	"fmt"
	"net/netip"
)

// DefaultVPCCIDR is the address space of a VPC burrow creates
const DefaultVPCCIDR = "10.0.0.0/16"

// DefaultSubnetPrefix is the prefix length of allocated per-zone subnets
const DefaultSubnetPrefix = 24

// AllocateCIDR returns the first /prefix block inside vpcCIDR that does not
// overlap any occupied block. The walk is in address order, so the result is
// deterministic for a given occupied set.
func AllocateCIDR(vpcCIDR string, prefix int, occupied []string) (string, error) {
	vpc, err := netip.ParsePrefix(vpcCIDR)
	if err != nil {
		return "", fmt.Errorf("parse vpc cidr %q: %w", vpcCIDR, err)
	}
	if prefix < vpc.Bits() || prefix > 32 {
		return "", fmt.Errorf("prefix /%d out of range for vpc %s", prefix, vpcCIDR)
	}

	used := make([]netip.Prefix, 0, len(occupied))
	for _, block := range occupied {
		if block == "" {
			continue
		}
		p, err := netip.ParsePrefix(block)
		if err != nil {
			return "", fmt.Errorf("parse occupied cidr %q: %w", block, err)
		}
		used = append(used, p)
	}

	step := uint32(1) << (32 - prefix)
	base := ipv4ToUint32(vpc.Masked().Addr())
	count := uint32(1) << (prefix - vpc.Bits())

	for i := uint32(0); i < count; i++ {
		addr := uint32ToIPv4(base + i*step)
		candidate := netip.PrefixFrom(addr, prefix)

		free := true
		for _, u := range used {
			if candidate.Overlaps(u) {
				free = false
				break
			}
		}
		if free {
			return candidate.String(), nil
		}
	}

	return "", fmt.Errorf("no free /%d block in %s", prefix, vpcCIDR)
}

func ipv4ToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToIPv4(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
