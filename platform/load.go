package platform

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads a YAML platform description. The document has a single "root"
// node; each node may carry "label", "props", and "children" keys:
//
//	root:
//	  children:
//	    psci:
//	      props:
//	        method: smc
//	    shmem@4e000000:
//	      label: scmi_shmem
//	      props:
//	        reg: [0x4e000000, 0x1000]
//	    firmware-scmi:
//	      props:
//	        smc-id: 0xc20000fe
//	        shmem: "&scmi_shmem"
func Load(r io.Reader) (*Tree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Root *Node `yaml:"root"`
	}

	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("platform: parse: %w", err)
	}

	if doc.Root == nil {
		return nil, fmt.Errorf("platform: parse: no root node")
	}

	normalize(doc.Root)
	return NewTree(doc.Root), nil
}

// LoadFile reads a YAML platform description from a file.
func LoadFile(path string) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()
	return Load(f)
}

// normalize rewrites yaml.v2's map[any]any property values into the plain
// scalar and list forms the accessors expect.
func normalize(n *Node) {
	for k, v := range n.Props {
		n.Props[k] = normValue(v)
	}

	for _, c := range n.Children {
		normalize(c)
	}
}

func normValue(v any) any {
	switch v := v.(type) {
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normValue(e)
		}

		return out

	default:
		return v
	}
}
