package model

import "testing"

func TestDeviceIsTCPProxy(t *testing.T) {
	cases := []struct {
		name string
		d    Device
		want bool
	}{
		{"tcp proxy", Device{Type: "proxy", Listen: "tcp:0.0.0.0:8080"}, true},
		{"unix proxy", Device{Type: "proxy", Listen: "unix:/var/run/sock"}, false},
		{"disk device", Device{Type: "disk"}, false},
		{"proxy no listen", Device{Type: "proxy"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.d.IsTCPProxy(); got != c.want {
				t.Errorf("IsTCPProxy() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestDeviceListenPort(t *testing.T) {
	d := Device{Type: "proxy", Listen: "tcp:0.0.0.0:9001"}
	port, ok := d.ListenPort()
	if !ok || port != 9001 {
		t.Fatalf("ListenPort() = (%d, %v), want (9001, true)", port, ok)
	}

	bad := Device{Type: "proxy", Listen: "tcp:0.0.0.0:notaport"}
	if _, ok := bad.ListenPort(); ok {
		t.Fatalf("expected malformed port to be rejected")
	}

	notProxy := Device{Type: "disk"}
	if _, ok := notProxy.ListenPort(); ok {
		t.Fatalf("expected non-proxy device to have no listen port")
	}
}

func TestDeviceRewriteHost(t *testing.T) {
	d := Device{Type: "proxy", Listen: "tcp:0.0.0.0:8080", Connect: "tcp:127.0.0.1:80"}
	rewritten := d.RewriteHost("10.0.0.5")
	if rewritten.Listen != "tcp:10.0.0.5:8080" {
		t.Errorf("Listen = %q, want %q", rewritten.Listen, "tcp:10.0.0.5:8080")
	}
	if d.Listen != "tcp:0.0.0.0:8080" {
		t.Errorf("RewriteHost mutated the receiver: %q", d.Listen)
	}

	notProxy := Device{Type: "disk"}
	if got := notProxy.RewriteHost("10.0.0.5"); got != notProxy {
		t.Errorf("RewriteHost on non-proxy device should be a no-op, got %+v", got)
	}
}

func TestInstanceGetListenAddress(t *testing.T) {
	inst := Instance{
		Devices: map[string]Device{
			"eth0": {Type: "proxy", Listen: "tcp:10.0.0.5:8080"},
			"eth1": {Type: "nic"},
		},
	}

	addr, ok := inst.GetListenAddress("eth0")
	if !ok || addr != "10.0.0.5:8080" {
		t.Fatalf("GetListenAddress(eth0) = (%q, %v), want (10.0.0.5:8080, true)", addr, ok)
	}

	if _, ok := inst.GetListenAddress("eth1"); ok {
		t.Fatalf("expected non-proxy device to have no listen address")
	}

	if _, ok := inst.GetListenAddress("missing"); ok {
		t.Fatalf("expected missing device to have no listen address")
	}
}

func TestEnvironmentDefaultTemplateName(t *testing.T) {
	env := Environment{
		Course: &Course{Subject: "CS", CatalogNumber: "101", Semester: "F25"},
	}
	if got, want := env.DefaultTemplateName(), "CS101-F25"; got != want {
		t.Errorf("DefaultTemplateName() = %q, want %q", got, want)
	}

	noCourse := Environment{}
	if got := noCourse.DefaultTemplateName(); got != "" {
		t.Errorf("DefaultTemplateName() with no course = %q, want empty", got)
	}
}
