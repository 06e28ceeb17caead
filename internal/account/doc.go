// Package account wires one eWeLink account together.
//
// An Account owns the Device Store, Connection Tracker, Dispatch Queue and
// Reconciler of the account, plus the LAN client, cloud socket, cloud REST
// client and mDNS browser that feed them. Nothing in here is global; a
// process serving two accounts creates two Accounts.
//
// Lifecycle:
//
//	acct, err := account.New(account.Options{Config: cfg, Repository: repo})
//	if err != nil {
//	    return err
//	}
//	if err := acct.Start(ctx); err != nil {
//	    return err
//	}
//	defer acct.Stop()
//
//	acct.Submit("1000abcdef", command.Request{Command: command.Switch, Params: command.SwitchParams{On: true}})
package account
