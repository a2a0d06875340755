package log

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	defaultTimeLayout = "2006-01-02 15:04:05.000"

	fieldPort  = "port"
	fieldLayer = "layer"
)

// textFormatter writes one line per entry:
//
//	2026-01-02 15:04:05.000 WARN  [g0/firewall] flow denied error=boom hits=3
//
// The port and layer fields become the bracketed scope; the rest follow
// the message sorted by key.
type textFormatter struct {
	timeLayout string
}

func (f *textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Time.Format(f.timeLayout))
	fmt.Fprintf(&b, " %-5s ", levelName(e.Level))

	if scope := scopeOf(e.Data); scope != "" {
		b.WriteString("[" + scope + "] ")
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != fieldPort && k != fieldLayer {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func scopeOf(data logrus.Fields) string {
	port, _ := data[fieldPort].(string)
	layer, _ := data[fieldLayer].(string)
	switch {
	case port != "" && layer != "":
		return port + "/" + layer
	case port != "":
		return port
	default:
		return layer
	}
}

func levelName(l logrus.Level) string {
	if l == logrus.WarnLevel {
		return "WARN"
	}
	return strings.ToUpper(l.String())
}
