package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/ratticdb/rattic/internal/config"
	"github.com/ratticdb/rattic/internal/model"
	"github.com/ratticdb/rattic/internal/repository"
)

// UserPlaceholder is replaced by the escaped username in the user filter.
const UserPlaceholder = "%(user)s"

const (
	defaultUserFilter = "(uid=" + UserPlaceholder + ")"
	ldapTimeout       = 10 * time.Second
)

// Directory is the part of an LDAP connection the backend uses.
type Directory interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	PasswordModify(req *ldap.PasswordModifyRequest) (*ldap.PasswordModifyResult, error)
}

// DialFunc opens a directory connection. The returned func closes it.
type DialFunc func(ctx context.Context, dir config.LDAPDirectory) (Directory, func(), error)

// DialLDAP connects to dir.ServerURI, upgrading with StartTLS when asked.
func DialLDAP(_ context.Context, dir config.LDAPDirectory) (Directory, func(), error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: !dir.RequireCert, //nolint:gosec // operator opt-out via LDAP_REQUIRE_CERT
		MinVersion:         tls.VersionTLS12,
	}
	if u, err := url.Parse(dir.ServerURI); err == nil {
		tlsConfig.ServerName = u.Hostname()
	}

	conn, err := ldap.DialURL(dir.ServerURI, ldap.DialWithTLSConfig(tlsConfig))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", dir.ServerURI, err)
	}
	closeFn := func() { conn.Close() }
	conn.SetTimeout(ldapTimeout)

	if dir.StartTLS {
		if err := conn.StartTLS(tlsConfig); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("starttls: %w", err)
		}
	}

	return conn, closeFn, nil
}

// LDAPBackend binds as the user found by the user search, then mirrors
// attributes, group memberships and the staff flag into the local user.
type LDAPBackend struct {
	dir    config.LDAPDirectory
	dial   DialFunc
	users  UserStore
	logger *slog.Logger
}

// NewLDAPBackend creates the LDAP backend. A nil dial uses DialLDAP.
func NewLDAPBackend(dir config.LDAPDirectory, users UserStore, dial DialFunc, logger *slog.Logger) *LDAPBackend {
	if dial == nil {
		dial = DialLDAP
	}
	if dir.Referrals {
		logger.Warn("LDAP referral chasing is not supported, referrals are ignored")
	}
	return &LDAPBackend{dir: dir, dial: dial, users: users, logger: logger}
}

// Name implements PasswordBackend.
func (b *LDAPBackend) Name() string { return config.BackendLDAP }

// ldapUser is what the directory knows about an authenticated user.
type ldapUser struct {
	dn         string
	attrs      map[string]string
	groupNames []string
	isStaff    bool
}

// Authenticate implements PasswordBackend.
func (b *LDAPBackend) Authenticate(ctx context.Context, username, password string) (*model.User, error) {
	conn, closeFn, err := b.dial(ctx, b.dir)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	if err := b.serviceBind(conn); err != nil {
		return nil, err
	}

	found, err := b.findUser(conn, username)
	if err != nil {
		return nil, err
	}

	if err := conn.Bind(found.dn, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			b.logger.Debug("ldap bind rejected", "dn", found.dn)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("bind as user: %w", err)
	}

	// Group searches run with the service account's rights.
	if err := b.serviceBind(conn); err != nil {
		return nil, err
	}

	if b.dir.MirrorGroups {
		if err := b.loadGroups(conn, username, found); err != nil {
			return nil, err
		}
	}
	if b.dir.StaffGroupDN != "" {
		if found.isStaff, err = b.isStaffMember(conn, username, found); err != nil {
			return nil, err
		}
	}

	return b.syncUser(ctx, username, found)
}

// ChangePassword changes a directory password with the password modify
// extended operation, bound as the user.
func (b *LDAPBackend) ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error {
	if !b.dir.AllowPasswordChange {
		return ErrPasswordChangeDisabled
	}

	conn, closeFn, err := b.dial(ctx, b.dir)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := b.serviceBind(conn); err != nil {
		return err
	}
	found, err := b.findUser(conn, username)
	if err != nil {
		return err
	}
	if err := conn.Bind(found.dn, oldPassword); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("bind as user: %w", err)
	}

	if _, err := conn.PasswordModify(ldap.NewPasswordModifyRequest(found.dn, oldPassword, newPassword)); err != nil {
		return fmt.Errorf("password modify: %w", err)
	}
	b.logger.Info("ldap password changed", "dn", found.dn)
	return nil
}

func (b *LDAPBackend) serviceBind(conn Directory) error {
	var err error
	if b.dir.BindDN == "" {
		err = conn.UnauthenticatedBind("")
	} else {
		err = conn.Bind(b.dir.BindDN, b.dir.BindPassword)
	}
	if err != nil {
		return fmt.Errorf("service bind: %w", err)
	}
	return nil
}

func (b *LDAPBackend) findUser(conn Directory, username string) (*ldapUser, error) {
	filter := b.dir.UserSearch.Filter
	if filter == "" {
		filter = defaultUserFilter
	}
	filter = strings.ReplaceAll(filter, UserPlaceholder, ldap.EscapeFilter(username))

	attrNames := make([]string, 0, len(b.dir.UserAttrMap)+1)
	for _, attr := range b.dir.UserAttrMap {
		attrNames = append(attrNames, attr)
	}
	attrNames = append(attrNames, "gidNumber")
	slices.Sort(attrNames)

	result, err := conn.Search(ldap.NewSearchRequest(
		b.dir.UserSearch.Base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, int(ldapTimeout.Seconds()), false,
		filter, attrNames, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("user search: %w", err)
	}
	if len(result.Entries) != 1 {
		b.logger.Debug("ldap user search did not match exactly one entry",
			"username", username,
			"matches", len(result.Entries),
		)
		return nil, ErrInvalidCredentials
	}

	entry := result.Entries[0]
	found := &ldapUser{dn: entry.DN, attrs: map[string]string{}}
	for field, attr := range b.dir.UserAttrMap {
		found.attrs[field] = entry.GetAttributeValue(attr)
	}
	found.attrs["gidNumber"] = entry.GetAttributeValue("gidNumber")
	return found, nil
}

// memberFilter matches groups that list u as a member under the
// configured group type.
func (b *LDAPBackend) memberFilter(username string, u *ldapUser) string {
	switch b.dir.GroupType {
	case config.GroupTypePosix:
		member := "(memberUid=" + ldap.EscapeFilter(username) + ")"
		if gid := u.attrs["gidNumber"]; gid != "" {
			member = "(|(gidNumber=" + ldap.EscapeFilter(gid) + ")" + member + ")"
		}
		return member
	case config.GroupTypeGroupOfUnique:
		return "(uniqueMember=" + ldap.EscapeFilter(u.dn) + ")"
	default:
		return "(member=" + ldap.EscapeFilter(u.dn) + ")"
	}
}

// groupFilter restricts the group search to the user's groups.
func (b *LDAPBackend) groupFilter(username string, u *ldapUser) string {
	return "(&" + b.dir.GroupSearch.Filter + b.memberFilter(username, u) + ")"
}

// isStaffMember reads the staff group entry itself. The group search
// filter does not apply, so the default placeholder filter still finds it.
func (b *LDAPBackend) isStaffMember(conn Directory, username string, u *ldapUser) (bool, error) {
	result, err := conn.Search(ldap.NewSearchRequest(
		b.dir.StaffGroupDN,
		ldap.ScopeBaseObject, ldap.NeverDerefAliases, 1, int(ldapTimeout.Seconds()), false,
		b.memberFilter(username, u), []string{"1.1"}, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			b.logger.Warn("ldap staff group not found", "dn", b.dir.StaffGroupDN)
			return false, nil
		}
		return false, fmt.Errorf("staff group search: %w", err)
	}
	return len(result.Entries) > 0, nil
}

func (b *LDAPBackend) loadGroups(conn Directory, username string, u *ldapUser) error {
	result, err := conn.Search(ldap.NewSearchRequest(
		b.dir.GroupSearch.Base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, int(ldapTimeout.Seconds()), false,
		b.groupFilter(username, u), []string{"cn"}, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil
		}
		return fmt.Errorf("group search: %w", err)
	}

	for _, entry := range result.Entries {
		if cn := entry.GetAttributeValue("cn"); cn != "" {
			u.groupNames = append(u.groupNames, cn)
		}
	}
	return nil
}

// syncUser creates or updates the local copy of a directory user.
func (b *LDAPBackend) syncUser(ctx context.Context, username string, u *ldapUser) (*model.User, error) {
	user, err := b.users.GetUserByUsername(ctx, username)
	created := false
	switch {
	case errors.Is(err, repository.ErrUserNotFound):
		user = &model.User{Username: username, IsActive: true}
		created = true
	case err != nil:
		return nil, fmt.Errorf("get user: %w", err)
	}

	if !user.IsActive {
		return nil, ErrInvalidCredentials
	}

	user.Email = u.attrs["email"]
	if v, ok := u.attrs["first_name"]; ok {
		user.FirstName = truncate(v, model.MaxNameLength)
	}
	if v, ok := u.attrs["last_name"]; ok {
		user.LastName = truncate(v, model.MaxNameLength)
	}

	if b.dir.StaffGroupDN != "" {
		user.IsStaff = u.isStaff
	}

	if b.dir.MirrorGroups {
		ids := make([]int64, 0, len(u.groupNames))
		for _, name := range u.groupNames {
			group, err := b.users.GetOrCreateGroup(ctx, truncate(name, model.MaxGroupNameLength))
			if err != nil {
				return nil, fmt.Errorf("mirror group %q: %w", name, err)
			}
			ids = append(ids, group.ID)
		}
		user.GroupIDs = ids
	}

	if created {
		err = b.users.CreateUser(ctx, user)
	} else {
		err = b.users.UpdateUser(ctx, user)
	}
	if err != nil {
		return nil, fmt.Errorf("save ldap user: %w", err)
	}

	b.logger.Info("ldap user authenticated",
		"username", username,
		"created", created,
		"groups", len(user.GroupIDs),
		"is_staff", user.IsStaff,
	)
	return user, nil
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
