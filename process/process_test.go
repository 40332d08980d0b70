package process

import "testing"

func TestSSHLauncherArgsRequiresTargetHost(t *testing.T) {
	l := SSHLauncher{Opts: SSHOptions{User: "alice"}}
	if _, err := l.Args(Spec{Name: "ls"}); err == nil {
		t.Fatal("expected missing target host to fail")
	}
}

func TestSSHLauncherArgsRequiresUser(t *testing.T) {
	l := SSHLauncher{Opts: SSHOptions{TargetHost: "box"}}
	if _, err := l.Args(Spec{Name: "ls"}); err == nil {
		t.Fatal("expected missing user to fail")
	}
}

func TestSSHLauncherArgsDefaultsPortTo22(t *testing.T) {
	l := SSHLauncher{Opts: SSHOptions{TargetHost: "box", User: "alice"}}
	args, err := l.Args(Spec{Name: "ls"})
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	wantPort := false
	for i, a := range args {
		if a == "-p" && i+1 < len(args) && args[i+1] == "22" {
			wantPort = true
		}
	}
	if !wantPort {
		t.Fatalf("expected -p 22 in args, got %v", args)
	}
}

func TestSSHLauncherArgsOrderingAndFlags(t *testing.T) {
	l := SSHLauncher{Opts: SSHOptions{
		TargetHost:     "box",
		TargetPort:     "2222",
		User:           "alice",
		ForwardVideo:   true,
		CompressStream: true,
	}}
	args, err := l.Args(Spec{Name: "run", Args: []string{"--flag", "value"}})
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	want := []string{"-Y", "-C", "-f", "-p", "2222", "alice@box", "run", "--flag", "value"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, args)
		}
	}
}

func TestSSHLauncherArgsOmitsFlagsByDefault(t *testing.T) {
	l := SSHLauncher{Opts: SSHOptions{TargetHost: "box", User: "alice"}}
	args, err := l.Args(Spec{Name: "ls"})
	if err != nil {
		t.Fatalf("args: %v", err)
	}
	for _, a := range args {
		if a == "-Y" || a == "-C" {
			t.Fatalf("expected no -Y/-C without opting in, got %v", args)
		}
	}
}
