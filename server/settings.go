package server

import (
	"fmt"
	"strings"
)

// settingsXML renders the settings document for the requested parameter
// groups. The document shape follows the real server's: one element per
// group under QTM_Parameters_Ver_1.
func (s *Server) settingsXML(groups []string) string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	b.WriteString("<QTM_Parameters_Ver_1>\n")

	want := make(map[string]bool, len(groups))
	for _, g := range groups {
		want[strings.ToLower(g)] = true
	}
	all := want["all"]

	if all || want["general"] {
		fmt.Fprintf(&b, "  <General>\n    <Frequency>%d</Frequency>\n    <Capture_Time>10</Capture_Time>\n  </General>\n", s.config.FrameRate)
	}
	if all || want["3d"] {
		b.WriteString("  <The_3D>\n")
		for i := 0; i < s.config.MarkerCount; i++ {
			fmt.Fprintf(&b, "    <Label><Name>marker_%d</Name></Label>\n", i+1)
		}
		b.WriteString("  </The_3D>\n")
	}
	if all || want["6d"] {
		b.WriteString("  <The_6D>\n")
		for i := 0; i < s.config.BodyCount; i++ {
			fmt.Fprintf(&b, "    <Body><Name>body_%d</Name></Body>\n", i+1)
		}
		b.WriteString("  </The_6D>\n")
	}
	if all || want["analog"] {
		b.WriteString("  <Analog>\n    <Device><Device_ID>1</Device_ID><Channels>4</Channels></Device>\n  </Analog>\n")
	}
	if all || want["force"] {
		b.WriteString("  <Force>\n    <Plate><Plate_ID>1</Plate_ID></Plate>\n  </Force>\n")
	}

	b.WriteString("</QTM_Parameters_Ver_1>\n")
	return b.String()
}

// calibrationResultXML is the document pushed after a calibrate command
// completes.
const calibrationResultXML = `<?xml version="1.0" encoding="utf-8"?>
<calibration calibrated="true">
  <results std-dev="0.42" min-max-diff="1.7"/>
</calibration>
`
