// Package cdi generates CDI (Container Device Interface) spec files that
// hand VFIO devices to containers. Each CDI device exposes the VFIO
// container node together with the IOMMU group node of one PCI device, which
// is all a broker client or a direct-mode driver needs inside the container.
package cdi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	cdiapi "tags.cncf.io/container-device-interface/pkg/cdi"
	cdiparser "tags.cncf.io/container-device-interface/pkg/parser"
	cdiSpecs "tags.cncf.io/container-device-interface/specs-go"

	"github.com/Nativu5/vfio-broker/pkg/sysfs"
	"github.com/Nativu5/vfio-broker/pkg/types"
	"github.com/Nativu5/vfio-broker/pkg/utils"

	"sigs.k8s.io/yaml"
)

const (
	// FilePrefix is prepended to all spec files written by this tool
	// to enable safe cleanup without affecting specs from other sources.
	FilePrefix = "vfio-broker"

	// DefaultOutputDir is the standard CDI spec directory.
	DefaultOutputDir = "/etc/cdi"

	// DefaultPrefix is used when no --prefix is provided.
	DefaultPrefix = "vfio"

	containerDevPath = "/dev/vfio/vfio"
)

// SpecFileName returns the deterministic file name for a given prefix, name, and format.
// Format: vfio-broker_<prefix>_<name>.<ext>
func SpecFileName(prefix, name, format string) string {
	safePrefix := strings.ReplaceAll(prefix, "/", "_")
	return fmt.Sprintf("%s_%s_%s.%s", FilePrefix, safePrefix, name, format)
}

// DeviceName is the CDI device name used for a PCI device
// ("0000:17:00.0" becomes "0000-17-00-0").
func DeviceName(addr types.PCIAddress) string {
	return utils.SanitizeName(addr.String())
}

// deviceNodes lists the nodes a container needs to open dev through VFIO.
// Host paths follow the sysfs root so tests can point them at a fake tree;
// container paths are always the canonical /dev/vfio ones.
func deviceNodes(dev types.PCIDevice) ([]*cdiSpecs.DeviceNode, error) {
	if dev.IOMMUGroup < 0 {
		return nil, fmt.Errorf("device %s: %w", dev.Address, sysfs.ErrNoIOMMUGroup)
	}
	if dev.Driver != sysfs.VFIODriver {
		return nil, fmt.Errorf("device %s is bound to %q, not %s", dev.Address, dev.Driver, sysfs.VFIODriver)
	}

	groupHost := sysfs.GroupPath(dev.IOMMUGroup, dev.NoIOMMU)
	groupPath := filepath.Join("/dev/vfio", filepath.Base(groupHost))
	return []*cdiSpecs.DeviceNode{
		{Path: containerDevPath, HostPath: sysfs.ContainerPath(), Permissions: "rw"},
		{Path: groupPath, HostPath: groupHost, Permissions: "rw"},
	}, nil
}

// CreateCDISpec generates a CDI spec file for the given devices and writes it
// to outputDir. The file is named according to SpecFileName().
func CreateCDISpec(resourcePrefix, resourceName string, devices []types.PCIDevice, outputDir, format string) error {
	log.Infof("creating CDI spec for resource %q (prefix=%s)", resourceName, resourcePrefix)

	cdiDevices := make([]cdiSpecs.Device, 0, len(devices))
	for _, dev := range devices {
		nodes, err := deviceNodes(dev)
		if err != nil {
			return err
		}
		cdiDevices = append(cdiDevices, cdiSpecs.Device{
			Name:           DeviceName(dev.Address),
			ContainerEdits: cdiSpecs.ContainerEdits{DeviceNodes: nodes},
		})
	}

	spec := &cdiSpecs.Spec{
		Version: cdiSpecs.CurrentVersion,
		Kind:    resourcePrefix + "/" + resourceName,
		Devices: cdiDevices,
	}

	if err := validateSpec(spec); err != nil {
		return fmt.Errorf("generated CDI spec is invalid: %w", err)
	}

	data, err := marshalSpec(spec, format)
	if err != nil {
		return fmt.Errorf("cannot marshal CDI spec: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("cannot create output directory %s: %w", outputDir, err)
	}

	filePath := filepath.Join(outputDir, SpecFileName(resourcePrefix, resourceName, format))
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("cannot write CDI spec file %s: %w", filePath, err)
	}

	log.Infof("CDI spec written to %s", filePath)
	return nil
}

// CreateContainerAnnotations generates CDI container annotations for the
// given devices. The returned map can be passed directly to a container runtime.
// Keys are CDI qualified names (vendor/class=deviceName).
func CreateContainerAnnotations(devices []types.PCIDevice, resourcePrefix, resourceKind string) (map[string]string, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("devices list is empty")
	}

	annotations := make(map[string]string)
	for _, dev := range devices {
		qn := cdiparser.QualifiedName(resourcePrefix, resourceKind, DeviceName(dev.Address))
		annotations[qn] = qn
	}

	log.Debugf("created CDI annotations: %v", annotations)
	return annotations, nil
}

// CleanupSpecs removes CDI spec files created by this tool from dir.
// If name is empty, all specs matching the given prefix are removed.
// If name is non-empty, only the exact match is removed.
func CleanupSpecs(dir, prefix, name string, dryRun bool) ([]string, error) {
	if dir == "" {
		dir = DefaultOutputDir
	}

	if name != "" {
		return cleanupFiles([]string{
			filepath.Join(dir, SpecFileName(prefix, name, "json")),
			filepath.Join(dir, SpecFileName(prefix, name, "yaml")),
		}, dryRun)
	}

	// Restrict to known extensions only
	var matches []string
	for _, ext := range []string{"json", "yaml"} {
		pattern := filepath.Join(dir, SpecFileName(prefix, "*", ext))
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob error for pattern %s: %w", pattern, err)
		}
		matches = append(matches, m...)
	}
	return cleanupFiles(matches, dryRun)
}

func cleanupFiles(paths []string, dryRun bool) ([]string, error) {
	removed := make([]string, 0)
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if dryRun {
			log.Infof("[dry-run] would remove: %s", p)
			removed = append(removed, p)
			continue
		}
		log.Infof("removing CDI spec file: %s", p)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("cannot remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}

// validateSpec checks the spec the way a CDI consumer would: kind and
// device names must parse, and there must be something to inject.
func validateSpec(spec *cdiSpecs.Spec) error {
	if spec.Kind == "" {
		return fmt.Errorf("spec kind must not be empty")
	}
	if len(spec.Devices) == 0 {
		return fmt.Errorf("spec must contain at least one device")
	}
	if _, _, _, err := cdiparser.ParseQualifiedName(spec.Kind + "=x"); err != nil {
		return err
	}
	seen := make(map[string]bool, len(spec.Devices))
	for _, d := range spec.Devices {
		if err := cdiparser.ValidateDeviceName(d.Name); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}

// marshalSpec serializes a CDI spec to JSON or YAML bytes.
func marshalSpec(spec *cdiSpecs.Spec, format string) ([]byte, error) {
	_ = cdiapi.GetDefaultCache() // ensure CDI cache is initialized

	switch strings.ToLower(format) {
	case "json":
		return json.MarshalIndent(spec, "", "  ")
	case "yaml":
		jsonData, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return yaml.JSONToYAML(jsonData)
	default:
		return nil, fmt.Errorf("unsupported format %q: use json or yaml", format)
	}
}
