package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevschoo/staybook/internal/app"
	"github.com/kevschoo/staybook/internal/errs"
	"github.com/kevschoo/staybook/internal/model"
)

// run executes one command line.
func (c *client) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]

	// long-running commands are bounded by ctx only
	switch cmd {
	case "watch":
		return c.watch(ctx)
	case "shell":
		return c.shell(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Fprintf(c.out, "staybook %s (%s)\n", version, buildDate)
		return nil
	case "signup", "signin":
		return c.authenticate(ctx, cmd, rest)
	case "signout":
		err := c.coord.SignOut(ctx)
		c.forget()
		return err
	case "delete-account":
		if err := c.coord.DeleteAccount(ctx); err != nil {
			return err
		}
		c.forget()
		fmt.Fprintln(c.out, "account deleted")
		return nil
	case "whoami":
		return c.whoami(ctx)
	case "listings":
		return c.listings(ctx)
	case "create":
		return c.create(ctx, rest)
	case "show":
		return c.show(ctx, rest)
	case "reserve":
		return c.reserve(ctx, rest)
	case "trips":
		return c.trips(ctx)
	case "profile":
		return c.profile(ctx, rest)
	case "cleanup":
		if _, err := c.requireProfile(ctx); err != nil {
			return err
		}
		if err := c.coord.CleanUpTrips(ctx); err != nil {
			return err
		}
		return c.printProfile()
	case "upload":
		return c.upload(ctx, rest)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *client) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func (c *client) authenticate(ctx context.Context, cmd string, args []string) error {
	fs := c.flags(cmd)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return errors.New("need -email and -password")
	}

	var err error
	if cmd == "signup" {
		err = c.coord.SignUp(ctx, *email, *password)
	} else {
		err = c.coord.SignIn(ctx, *email, *password)
	}
	if err != nil {
		return userError(err, c.coord.State())
	}
	c.persist()

	st, err := c.settled(ctx)
	if err != nil {
		return err
	}
	if st.LastError != "" {
		fmt.Fprintln(c.out, st.LastError)
	}
	if st.Profile != nil {
		fmt.Fprintf(c.out, "signed in as %s (%s)\n", st.Profile.Email, st.Profile.ID)
	}
	return nil
}

// userError prefers the message the coordinator recorded for non-auth failures.
func userError(err error, st app.State) error {
	if _, ok := errs.AsAuthError(err); ok {
		return err
	}
	if st.LastError != "" {
		return errors.New(st.LastError)
	}
	return err
}

// settled waits until the session stream has resolved the signed-in profile.
func (c *client) settled(ctx context.Context) (app.State, error) {
	if c.st.identity.Current() == nil {
		return c.coord.State(), nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.settle)
	defer cancel()
	for st := range c.coord.Subscribe(ctx) {
		if st.Auth == model.Authenticated && (st.Profile != nil || st.LastError != "") {
			return st, nil
		}
	}
	return c.coord.State(), errors.New("session did not resolve in time")
}

func (c *client) requireProfile(ctx context.Context) (*model.Profile, error) {
	if c.st.identity.Current() == nil {
		return nil, errs.ErrNoSession
	}
	st, err := c.settled(ctx)
	if err != nil {
		return nil, err
	}
	if st.Profile == nil {
		if st.LastError != "" {
			return nil, errors.New(st.LastError)
		}
		return nil, errs.ErrNoProfile
	}
	return st.Profile, nil
}

func (c *client) whoami(ctx context.Context) error {
	st, err := c.settled(ctx)
	if err != nil {
		return err
	}
	if st.Auth != model.Authenticated {
		fmt.Fprintln(c.out, "signed out")
		return nil
	}
	if st.Profile == nil {
		fmt.Fprintln(c.out, st.LastError)
		return nil
	}
	printJSON(c.out, st.Profile)
	return nil
}

func (c *client) listings(ctx context.Context) error {
	ls, ok := <-c.coord.Listings(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errs.ErrListenFailed
	}
	printJSON(c.out, ls)
	return nil
}

func (c *client) watch(ctx context.Context) error {
	n := 0
	for ls := range c.coord.Listings(ctx) {
		n++
		printJSON(c.out, ls)
	}
	if n == 0 && ctx.Err() == nil {
		return errs.ErrListenFailed
	}
	return nil
}

func (c *client) create(ctx context.Context, args []string) error {
	fs := c.flags("create")
	var l model.Listing
	fs.StringVar(&l.Name, "name", "", "listing name")
	fs.StringVar(&l.HostName, "host", "", "host name")
	fs.StringVar(&l.RoomInfo, "rooms", "", "room info")
	fs.StringVar(&l.Description, "desc", "", "description")
	fs.Float64Var(&l.Rating, "rating", 0, "rating")
	fs.Float64Var(&l.Cost, "cost", 0, "nightly cost")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if l.Name == "" || l.HostName == "" {
		return errors.New("need -name and -host")
	}

	created, err := c.coord.CreateListing(ctx, l)
	var pw *errs.PartialWriteError
	if errors.As(err, &pw) {
		fmt.Fprintf(c.out, "listing %s stored without its id field\n", pw.ID)
	}
	if err != nil {
		return err
	}
	printJSON(c.out, created)
	return nil
}

func (c *client) show(ctx context.Context, args []string) error {
	fs := c.flags("show")
	id := fs.String("id", "", "listing id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("need -id")
	}
	if _, err := c.coord.SelectListingByID(ctx, *id); err != nil {
		return err
	}
	printJSON(c.out, c.coord.State().SelectedListing)
	return nil
}

func (c *client) reserve(ctx context.Context, args []string) error {
	fs := c.flags("reserve")
	id := fs.String("id", "", "listing id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("need -id")
	}
	if _, err := c.requireProfile(ctx); err != nil {
		return err
	}

	ok, err := c.coord.ReserveListing(ctx, *id)
	switch {
	case errors.Is(err, errs.ErrAlreadyReserved):
		fmt.Fprintln(c.out, "already reserved")
		return nil
	case err != nil:
		return err
	case ok:
		fmt.Fprintln(c.out, "reserved")
	}
	return nil
}

func (c *client) trips(ctx context.Context) error {
	if _, err := c.requireProfile(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.settle)
	defer cancel()
	var last app.State
	for st := range c.coord.Subscribe(ctx) {
		last = st
		if st.Trips != nil && st.Profile != nil && len(st.Trips) == len(st.Profile.ValidTrips()) {
			printJSON(c.out, st.Trips)
			return nil
		}
	}
	// some reserved listings could not be resolved
	if last.Trips != nil {
		printJSON(c.out, last.Trips)
		return nil
	}
	return errors.New("trips did not load in time")
}

func (c *client) profile(ctx context.Context, args []string) error {
	fs := c.flags("profile")
	name := fs.String("name", "", "first name")
	family := fs.String("family", "", "family name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := c.requireProfile(ctx)
	if err != nil {
		return err
	}
	if *name != "" || *family != "" {
		n, f := p.Name, p.FamilyName
		if *name != "" {
			n = *name
		}
		if *family != "" {
			f = *family
		}
		if err := c.coord.UpdateProfile(ctx, n, f); err != nil {
			return err
		}
	}
	return c.printProfile()
}

func (c *client) printProfile() error {
	st := c.coord.State()
	if st.Profile == nil {
		return errs.ErrNoProfile
	}
	printJSON(c.out, st.Profile)
	return nil
}

func (c *client) upload(ctx context.Context, args []string) error {
	fs := c.flags("upload")
	file := fs.String("file", "", "image path or - for stdin")
	name := fs.String("name", "", "stored file name")
	ctype := fs.String("type", "", "content type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("need -file")
	}
	if *name == "" {
		if *file == "-" {
			return errors.New("need -name when reading stdin")
		}
		*name = filepath.Base(*file)
	}

	data, err := readAll(c.in, *file)
	if err != nil {
		return err
	}
	if *ctype == "" {
		*ctype = contentType(*name, data)
	}
	url, err := c.coord.UploadImage(ctx, *name, *ctype, bytes.NewReader(data))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, url)
	return nil
}

// shell runs one command per input line until EOF or "exit".
func (c *client) shell(ctx context.Context) error {
	sc := bufio.NewScanner(c.in)
	fmt.Fprint(c.out, "> ")
	for sc.Scan() {
		args := strings.Fields(sc.Text())
		switch {
		case len(args) == 0:
		case args[0] == "exit" || args[0] == "quit":
			return nil
		case args[0] == "shell":
			fmt.Fprintln(c.out, "already in a shell")
		default:
			if err := c.run(ctx, args); err != nil {
				fmt.Fprintln(c.out, "error:", message(err))
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(c.out, "> ")
	}
	return sc.Err()
}

func message(err error) string {
	if ae, ok := errs.AsAuthError(err); ok {
		return ae.Message()
	}
	return err.Error()
}

// ---- utils ----

func readAll(stdin io.Reader, p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(p)
}

func contentType(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
