package dockercli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContainerLine(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantOK bool
		check  func(t *testing.T, name, image, status, ports string)
	}{
		{
			name:   "ps line with ports",
			line:   "abc123|cyberlab-web|nginx:1.25|Up 3 hours|0.0.0.0:8080->80/tcp",
			wantOK: true,
			check: func(t *testing.T, name, image, status, ports string) {
				assert.Equal(t, "cyberlab-web", name)
				assert.Equal(t, "nginx:1.25", image)
				assert.Equal(t, "Up 3 hours", status)
				assert.Equal(t, "0.0.0.0:8080->80/tcp", ports)
			},
		},
		{
			name:   "inspect line",
			line:   "abc123|/cyberlab-web|nginx|running|",
			wantOK: true,
			check: func(t *testing.T, name, image, status, ports string) {
				assert.Equal(t, "cyberlab-web", name)
				assert.Equal(t, "running", status)
				assert.Empty(t, ports)
			},
		},
		{
			name:   "blank fields get defaults",
			line:   "0123456789abcdef||||",
			wantOK: true,
			check: func(t *testing.T, name, image, status, ports string) {
				assert.Equal(t, "unnamed-0123456789ab", name)
				assert.Equal(t, "unknown", image)
				assert.Equal(t, "unknown", status)
			},
		},
		{name: "too few fields", line: "abc|name|image", wantOK: false},
		{name: "empty id", line: "|name|image|running", wantOK: false},
		{name: "blank", line: "   ", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := ParseContainerLine(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			if tt.check != nil {
				tt.check(t, info.Name, info.Image, info.Status, info.PortMappings)
			}
		})
	}
}

func TestParseContainerList_SkipsMalformed(t *testing.T) {
	out := "a1|one|img|Up|\nbroken\n\nb2|two|img|Exited (0)|\n"
	containers := ParseContainerList(out)
	require.Len(t, containers, 2)
	assert.Equal(t, "one", containers[0].Name)
	assert.Equal(t, "two", containers[1].Name)
}

func TestParseImageList(t *testing.T) {
	out := "sha1|nginx|1.25|187MB|2 weeks ago\nbad|line\nsha2|redis|7|40MB\n"
	images := ParseImageList(out)
	require.Len(t, images, 2)
	assert.Equal(t, "nginx:1.25", images[0].Reference())
	assert.Equal(t, "2 weeks ago", images[0].CreatedAt)
	assert.Equal(t, "40MB", images[1].Size)
}

func TestParseStats(t *testing.T) {
	stats, ok := ParseStats("abc|12.5%|100MiB / 1GiB|9.77%\n")
	require.True(t, ok)
	assert.InDelta(t, 12.5, stats.CPUPercent, 0.001)
	assert.InDelta(t, 9.77, stats.MemoryPercent, 0.001)
	assert.Equal(t, "100MiB / 1GiB", stats.MemoryUsage)

	_, ok = ParseStats("")
	assert.False(t, ok)
	_, ok = ParseStats("abc|1%")
	assert.False(t, ok)
}

func TestParsePortSpec(t *testing.T) {
	t.Run("json object", func(t *testing.T) {
		ports := ParsePortSpec(`{"80/tcp":"8080","443/tcp":"8443"}`)
		assert.Equal(t, []PortMapping{
			{HostPort: 8443, ContainerPort: 443, Protocol: "tcp"},
			{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"},
		}, ports)
	})

	t.Run("comma list", func(t *testing.T) {
		ports := ParsePortSpec("8080:80, 53/udp, 127.0.0.1:9000:9000")
		assert.Equal(t, []PortMapping{
			{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"},
			{HostPort: 0, ContainerPort: 53, Protocol: "udp"},
			{HostPort: 9000, ContainerPort: 9000, Protocol: "tcp"},
		}, ports)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, ParsePortSpec(""))
		assert.Nil(t, ParsePortSpec("{}"))
		assert.Nil(t, ParsePortSpec("{not json"))
	})
}

func TestPortNumbers(t *testing.T) {
	assert.Equal(t, []int{8080, 80}, PortNumbers("0.0.0.0:8080->80/tcp, :::8080->80/tcp"))
	assert.Equal(t, []int{3306}, PortNumbers(`{"3306/tcp":"3306"}`))
	assert.Equal(t, []int{8080, 80, 443}, PortNumbers("8080:80,443"))
	assert.Empty(t, PortNumbers(""))
}

func TestParseKeyValues(t *testing.T) {
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, ParseKeyValues("A=1, B=x=y, junk"))
	assert.Equal(t, map[string]string{"K": "v"}, ParseKeyValues(`{"K":"v"}`))
	assert.Nil(t, ParseKeyValues(""))
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseList(" a, ,b,"))
	assert.Nil(t, ParseList(""))
}
