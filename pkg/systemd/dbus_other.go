//go:build !linux

package systemd

import "context"

type DBus struct{}

func openDBus(context.Context) (*DBus, error) { return nil, ErrUnsupported }

func (*DBus) Do(context.Context, string, Action) error       { return ErrUnsupported }
func (*DBus) IsActive(context.Context, string) (bool, error) { return false, ErrUnsupported }
func (*DBus) Close() error                                   { return nil }
