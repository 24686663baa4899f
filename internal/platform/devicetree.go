package platform

import (
	"fmt"
	"os"

	"github.com/tinyrange/pirq/internal/fdt"
)

// gicCompatible lists the device-tree compatible strings of GICv2-class
// controllers.
var gicCompatible = []string{
	"arm,cortex-a15-gic",
	"arm,cortex-a9-gic",
	"arm,cortex-a7-gic",
	"arm,gic-400",
}

// DeviceTreeResolver finds the controller in a flattened device tree. The
// first reg entry of the GIC node is the distributor; the base is that
// address less the platform's distributor offset.
func DeviceTreeResolver(blob []byte, p Platform) Resolver {
	return ResolverFunc(func() (uint64, error) {
		root, err := fdt.Parse(blob)
		if err != nil {
			return 0, err
		}
		var dist uint64
		found := false
		root.Walk(func(n, parent *fdt.Node) bool {
			if !n.Compatible(gicCompatible...) {
				return true
			}
			if reg := n.Reg(parent); len(reg) > 0 {
				dist = reg[0][0]
				found = true
				return false
			}
			return true
		})
		if !found {
			return 0, fmt.Errorf("%w: no gicv2 node in device tree", ErrNoBaseAddress)
		}
		if dist < p.DistributorOffset {
			return 0, fmt.Errorf("platform: device tree distributor 0x%x below %s offset 0x%x", dist, p.Name, p.DistributorOffset)
		}
		return dist - p.DistributorOffset, nil
	})
}

// deviceTreeFileResolver reads the blob lazily so a missing file only
// counts as a failed discovery.
func deviceTreeFileResolver(path string, p Platform) Resolver {
	return ResolverFunc(func() (uint64, error) {
		blob, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("platform: read device tree: %w", err)
		}
		return DeviceTreeResolver(blob, p).ResolveBase()
	})
}

// GICNode describes the controller at layout as a device-tree node for a
// guest, assuming two address and two size cells in the parent.
func GICNode(layout Layout) fdt.Node {
	return fdt.Node{
		Name: fmt.Sprintf("interrupt-controller@%x", layout.Distributor),
		Properties: map[string]fdt.Property{
			"compatible":           {Strings: []string{"arm,cortex-a15-gic"}},
			"interrupt-controller": {Flag: true},
			"#interrupt-cells":     {U32: []uint32{3}},
			"#address-cells":       {U32: []uint32{0}},
			"reg": {U64: []uint64{
				layout.Distributor, 0x1000,
				layout.CPUInterface, 0x2000,
			}},
		},
	}
}

// DeviceTree returns a minimal blob whose only device is the controller.
func DeviceTree(layout Layout) ([]byte, error) {
	return fdt.Build(fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells":   {U32: []uint32{2}},
			"#size-cells":      {U32: []uint32{2}},
			"interrupt-parent": {U32: []uint32{1}},
		},
		Children: []fdt.Node{withPhandle(GICNode(layout), 1)},
	})
}

func withPhandle(n fdt.Node, phandle uint32) fdt.Node {
	n.Properties["phandle"] = fdt.Property{U32: []uint32{phandle}}
	return n
}
