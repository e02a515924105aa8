// Package config is the engine's parameter registry: typed parameters that
// can be set from the command line or a config file.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Value interface {
	Set(string) error
	SetValue(interface{}) error
	String() string
}

type Param struct {
	Name   string
	Val    Value
	hidden bool
}

// Hide keeps a parameter out of listings; it can still be set.
func (p *Param) Hide() *Param {
	p.hidden = true
	return p
}

type Config struct {
	params map[string]*Param
}

func NewConfig() *Config {
	return &Config{params: map[string]*Param{}}
}

func (cfg *Config) addParam(name string, val Value) *Param {
	if _, dup := cfg.params[name]; dup {
		panic(fmt.Sprintf("config: duplicate parameter %s", name))
	}
	p := &Param{Name: name, Val: val}
	cfg.params[name] = p
	return p
}

type boolValue bool

func (b *boolValue) Set(s string) error {
	v, err := strconv.ParseBool(s)
	*b = boolValue(v)
	return err
}

func (b *boolValue) SetValue(v interface{}) error {
	bv, ok := v.(bool)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	*b = boolValue(bv)
	return nil
}

func (b *boolValue) String() string {
	return strconv.FormatBool(bool(*b))
}

type intValue int

func (i *intValue) Set(s string) error {
	v, err := strconv.ParseInt(s, 0, strconv.IntSize)
	*i = intValue(v)
	return err
}

func (i *intValue) SetValue(v interface{}) error {
	iv, ok := v.(int)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	*i = intValue(iv)
	return nil
}

func (i *intValue) String() string {
	return strconv.Itoa(int(*i))
}

type stringValue string

func (s *stringValue) Set(v string) error {
	*s = stringValue(v)
	return nil
}

func (s *stringValue) SetValue(v interface{}) error {
	sv, ok := v.(string)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	*s = stringValue(sv)
	return nil
}

func (s *stringValue) String() string {
	return string(*s)
}

type durationValue time.Duration

func (d *durationValue) Set(s string) error {
	v, err := time.ParseDuration(s)
	*d = durationValue(v)
	return err
}

func (d *durationValue) SetValue(v interface{}) error {
	sv, ok := v.(string)
	if !ok {
		return fmt.Errorf("parsing %v: invalid syntax", v)
	}
	return d.Set(sv)
}

func (d *durationValue) String() string {
	return time.Duration(*d).String()
}

func (cfg *Config) BoolVar(b *bool, name string) *Param {
	return cfg.addParam(name, (*boolValue)(b))
}

func (cfg *Config) IntVar(i *int, name string) *Param {
	return cfg.addParam(name, (*intValue)(i))
}

func (cfg *Config) StringVar(s *string, name string) *Param {
	return cfg.addParam(name, (*stringValue)(s))
}

func (cfg *Config) DurationVar(d *time.Duration, name string) *Param {
	return cfg.addParam(name, (*durationValue)(d))
}

// Set sets the named parameter from the string form of its value.
func (cfg *Config) Set(name, val string) error {
	p, ok := cfg.params[name]
	if !ok {
		return fmt.Errorf("config: %s is not a config parameter", name)
	}
	err := p.Val.Set(val)
	if err != nil {
		return fmt.Errorf("config: %s: %s", name, err)
	}
	return nil
}

func (cfg *Config) AllParams() []*Param {
	list := make([]*Param, 0, len(cfg.params))
	for _, p := range cfg.params {
		if !p.hidden {
			list = append(list, p)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return strings.Compare(list[i].Name, list[j].Name) < 0
	})
	return list
}
