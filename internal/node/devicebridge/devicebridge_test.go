package devicebridge

import (
	"reflect"
	"testing"
)

func TestParseDeviceList(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "empty",
			output: "List of devices attached\n\n",
			want:   nil,
		},
		{
			name:   "single ready device",
			output: "List of devices attached\nemulator-5554   device product:sdk_gphone64_x86_64\n\n",
			want:   []string{"emulator-5554"},
		},
		{
			name: "mixed states",
			output: "List of devices attached\n" +
				"emulator-5554   device\n" +
				"0123456789ABCDEF   offline\n" +
				"R58N30XXXXX   unauthorized\n",
			want: []string{"emulator-5554"},
		},
		{
			name: "multiple ready devices",
			output: "List of devices attached\n" +
				"emulator-5554   device\n" +
				"emulator-5556   device\n",
			want: []string{"emulator-5554", "emulator-5556"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseDeviceList(tc.output)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
