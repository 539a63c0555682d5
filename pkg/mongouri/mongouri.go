/*
Copyright The MongoDB Backup System Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mongouri parses, masks and rewrites MongoDB connection strings.
// Raw URIs may carry credentials: anything that ends up in a log or an error
// message must go through Mask first.
package mongouri

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

// URI is a parsed MongoDB connection string
type URI struct {
	Raw      string
	Username string
	Password string
	Database string
	Hosts    []string
}

// Parse parses and validates a mongodb:// connection string
func Parse(uri string) (*URI, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid mongodb uri: %w", err)
	}
	return &URI{
		Raw:      uri,
		Username: cs.Username,
		Password: cs.Password,
		Database: cs.Database,
		Hosts:    cs.Hosts,
	}, nil
}

// IsValid reports whether uri is a well-formed mongodb:// connection string
func IsValid(uri string) bool {
	_, err := Parse(uri)
	return err == nil
}

// String rebuilds the connection string from the parsed parts
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString("mongodb://")
	if u.Username != "" {
		b.WriteString(u.Username)
		b.WriteString(":")
		b.WriteString(u.Password)
		b.WriteString("@")
	}
	b.WriteString(strings.Join(u.Hosts, ","))
	if u.Database != "" {
		b.WriteString("/")
		b.WriteString(u.Database)
	}
	return b.String()
}

// WithDatabase returns the connection string with the database appended when
// the URI does not already carry one
func (u *URI) WithDatabase(database string) string {
	if u.Database != "" || database == "" {
		return u.String()
	}
	rebuilt := *u
	rebuilt.Database = database
	return rebuilt.String()
}

// WithHost returns a connection string pointing at a single member, keeping
// the credentials and database of the original URI
func (u *URI) WithHost(host string) string {
	rebuilt := *u
	rebuilt.Hosts = []string{host}
	return rebuilt.String()
}

// Mask hides the password of a connection string so it can be logged.
// Unparseable URIs are masked wholesale rather than risking a leak.
func Mask(uri string) string {
	u, err := Parse(uri)
	if err != nil {
		if at := strings.LastIndex(uri, "@"); at != -1 {
			return "mongodb://*****@" + uri[at+1:]
		}
		return uri
	}
	if u.Username == "" {
		return u.String()
	}
	masked := *u
	masked.Password = "*****"
	return masked.String()
}
